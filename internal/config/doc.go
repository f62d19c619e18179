// Package config loads the service configuration from YAML or TOML and
// validates it section by section.
package config
