package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProvidersFile is the optional YAML document named by FX_PROVIDERS_FILE.
// Zero-valued fields leave the environment settings in place.
type ProvidersFile struct {
	Endpoints   []Provider    `yaml:"endpoints"`
	Symbols     []string      `yaml:"symbols"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// LoadProviders reads and decodes a providers file.
func LoadProviders(path string) (ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersFile{}, fmt.Errorf("read providers file: %w", err)
	}
	var p ProvidersFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return ProvidersFile{}, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	return p, nil
}

// ApplyProviders overlays the file's non-zero settings on c.
func (c *Config) ApplyProviders(p ProvidersFile) {
	if len(p.Endpoints) > 0 {
		c.FXEndpoints = p.Endpoints
	}
	if len(p.Symbols) > 0 {
		syms := make([]string, 0, len(p.Symbols))
		for _, s := range p.Symbols {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				syms = append(syms, s)
			}
		}
		c.FXSymbols = syms
	}
	if p.Timeout > 0 {
		c.FXTimeout = p.Timeout
	}
	if p.MaxAttempts > 0 {
		c.FXMaxAttempts = p.MaxAttempts
	}
	if p.Backoff > 0 {
		c.FXBackoff = p.Backoff
	}
}
