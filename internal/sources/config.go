// Package sources holds the source adapters configured for the process and
// the loader for their YAML definitions.
package sources

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jdholdren/lotwatch/internal/lotwatch"
)

const (
	KindHTTP = "http"
	KindFile = "file"
)

type (
	Config struct {
		Name     string            `yaml:"name"`
		Kind     string            `yaml:"kind"`
		URL      string            `yaml:"url"`
		Path     string            `yaml:"path"`
		Currency string            `yaml:"currency"`
		Headers  map[string]string `yaml:"headers"`
		// Dotted path to the listing array inside the payload, e.g. "data.lots".
		ListingsKey string `yaml:"listings_key"`
	}

	file struct {
		Sources []Config `yaml:"sources"`
	}
)

// Load reads and validates the sources file at path.
func Load(path string) ([]Config, error) {
	byts, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading sources file: %s", err)
	}

	return Parse(byts)
}

func Parse(byts []byte) ([]Config, error) {
	var f file
	if err := yaml.Unmarshal(byts, &f); err != nil {
		return nil, fmt.Errorf("error decoding sources file: %s", err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	seen := make(map[string]struct{}, len(f.Sources))
	for i := range f.Sources {
		cfg := &f.Sources[i]
		cfg.Name = strings.TrimSpace(cfg.Name)
		cfg.Kind = strings.ToLower(strings.TrimSpace(cfg.Kind))
		if cfg.Currency == "" {
			cfg.Currency = "USD"
		}
		cfg.Currency = strings.ToUpper(cfg.Currency)

		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		if _, ok := seen[cfg.Name]; ok {
			return nil, fmt.Errorf("source %q is defined twice", cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
	}

	return f.Sources, nil
}

func (c Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(c.Name, ",") {
		return fmt.Errorf("name %q can't contain a comma", c.Name)
	}

	switch c.Kind {
	case KindHTTP:
		if c.URL == "" {
			return fmt.Errorf("%s: url is required for http sources", c.Name)
		}
	case KindFile:
		if c.Path == "" {
			return fmt.Errorf("%s: path is required for file sources", c.Name)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", c.Name, c.Kind)
	}

	return nil
}

// Build creates an adapter per config. HTTP adapters share client.
func Build(cfgs []Config, client *http.Client) []lotwatch.Source {
	out := make([]lotwatch.Source, 0, len(cfgs))
	for _, cfg := range cfgs {
		switch cfg.Kind {
		case KindHTTP:
			out = append(out, NewHTTP(cfg, client))
		case KindFile:
			out = append(out, NewFile(cfg))
		}
	}

	return out
}
