package config

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/v2"
)

// yamlBytes serves an in-memory document to koanf
type yamlBytes []byte

func (b yamlBytes) ReadBytes() ([]byte, error) { return b, nil }

func (b yamlBytes) Read() (map[string]any, error) {
	return nil, errors.New("yaml bytes provider needs a parser")
}

// ParseConfigYAML parses a Config from YAML bytes on top of Default and validates it.
func ParseConfigYAML(data []byte) (*Config, error) {
	k := koanf.New(keyDelim)
	if err := k.Load(yamlBytes(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config yaml: %v", ErrInvalidConfig, err)
	}
	return decode(k)
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}
