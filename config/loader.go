// Package config loads provider-override files. A file maps provider names
// to partial configurations applied over the registry's defaults, with
// ${ENV_VAR} expansion so API keys never live in the file itself.
//
// Usage:
//
//	overrides, err := config.Load("providers.yaml")
//	err = config.Apply(registry, overrides)
//
// File shape:
//
//	providers:
//	  openai:
//	    default_model: gpt-4o-mini
//	    api_key: ${OPENAI_API_KEY}
//	  local:
//	    base_url: http://localhost:8080
//	    chat:
//	      message_format: openai
//	      response_parse_path: choices[0].message.content
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/gitcommitshow/resilient-llm/llm"
)

// File is the on-disk provider-override document.
type File struct {
	Providers map[string]llm.Partial `yaml:"providers"`
}

// envPattern matches ${VAR} placeholders.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a provider-override file. ${VAR} placeholders are
// expanded from the environment before parsing; unset variables expand to
// the empty string.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := envPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// Apply configures every provider in the file on the given registry.
func Apply(registry *llm.Registry, f *File) error {
	if f == nil {
		return nil
	}
	for name, partial := range f.Providers {
		if _, err := registry.Configure(name, partial); err != nil {
			return fmt.Errorf("configure provider %q: %w", name, err)
		}
	}
	return nil
}

// LoadAndApply is the one-call form of Load followed by Apply.
func LoadAndApply(registry *llm.Registry, path string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	return Apply(registry, f)
}
