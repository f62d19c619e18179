package transcription

import (
	"fmt"
	"strings"
)

// Model identifies a speech recognition model understood by the backends
type Model string

const (
	ModelTinyEnQ5_1  Model = "tiny.en.q5_1"
	ModelBaseEn      Model = "base.en"
	ModelSmallEn     Model = "small.en"
	ModelSmallEnQ8_0 Model = "small.en-q8_0"
	ModelSmallQ8_0   Model = "small-q8_0"
	ModelSmallQ5_1   Model = "small-q5_1"
	ModelWhisper1    Model = "whisper-1"

	DefaultModel = ModelBaseEn
)

var knownModels = []Model{
	ModelTinyEnQ5_1,
	ModelBaseEn,
	ModelSmallEn,
	ModelSmallEnQ8_0,
	ModelSmallQ8_0,
	ModelSmallQ5_1,
	ModelWhisper1,
}

// Models returns every supported model identifier
func Models() []Model {
	out := make([]Model, len(knownModels))
	copy(out, knownModels)
	return out
}

// ParseModel resolves a model identifier, ignoring case and surrounding space.
// An empty string selects DefaultModel.
func ParseModel(s string) (Model, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultModel, nil
	}
	for _, m := range knownModels {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown transcription model %q", s)
}

// EnglishOnly reports whether the model only recognizes English
func (m Model) EnglishOnly() bool {
	return strings.Contains(string(m), ".en")
}

func (m Model) String() string {
	return string(m)
}

// MarshalText implements encoding.TextMarshaler
func (m Model) MarshalText() ([]byte, error) {
	if _, err := ParseModel(string(m)); err != nil {
		return nil, err
	}
	return []byte(m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Model) UnmarshalText(text []byte) error {
	parsed, err := ParseModel(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
