// Package config loads the small set of host-configurable settings this
// library actually owns: path-remap rules and the façade's resident
// symbol-map cache size. Everything else (symbol-server policy, quotas,
// HTTP wiring) belongs to the collaborator.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/symcore/internal/pathmap"
)

// PathRemapRule is the YAML-facing form of pathmap.Rule.
type PathRemapRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Config is the top-level settings document.
type Config struct {
	// PathRemap are static prefix rewrite rules applied to source paths.
	PathRemap []PathRemapRule `yaml:"path_remap"`
	// PathRemapScript is an optional inline JS remap rule (see
	// pathmap.Mapper.WithScriptRule).
	PathRemapScript string `yaml:"path_remap_script"`
	// MaxResidentSymbolMaps bounds the façade's symbol-map cache (see
	// internal/facade). Zero means "use the façade's default".
	MaxResidentSymbolMaps int `yaml:"max_resident_symbol_maps"`
	// Debug turns on verbose (zap development) logging.
	Debug bool `yaml:"debug"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// PathMapper builds an internal/pathmap.Mapper from the configured
// rules.
func (c Config) PathMapper() (*pathmap.Mapper, error) {
	rules := make([]pathmap.Rule, len(c.PathRemap))
	for i, r := range c.PathRemap {
		rules[i] = pathmap.Rule{From: r.From, To: r.To}
	}
	m := pathmap.New(rules...)
	if c.PathRemapScript != "" {
		if err := m.WithScriptRule(c.PathRemapScript); err != nil {
			return nil, err
		}
	}
	return m, nil
}
