// Package history persists finished push-to-talk sessions in SQLite so
// transcripts can be listed after the fact.
package history
