package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agtools/internal/proxy/routing"
)

// routingOverlay mirrors the mapping sections of the JSON config in
// YAML form so routing tables can be edited without touching the rest
// of the config.
type routingOverlay struct {
	CustomMapping    map[string]string           `yaml:"custom_mapping"`
	OpenAIMapping    map[string]string           `yaml:"openai_mapping"`
	AnthropicMapping map[string]string           `yaml:"anthropic_mapping"`
	Strategies       map[string]routing.Strategy `yaml:"strategies"`
}

// Tables assembles the routing tables from the config's mapping
// sections alone, without any overlay applied.
func (p *ProxyConfig) Tables() routing.Tables {
	t := routing.Tables{
		Custom:     make(map[string]string, len(p.CustomMapping)),
		OpenAI:     make(map[string]string, len(p.OpenAIMapping)),
		Anthropic:  make(map[string]string, len(p.AnthropicMapping)),
		Strategies: make(map[string]routing.Strategy, len(p.Strategies)),
	}
	maps.Copy(t.Custom, p.CustomMapping)
	maps.Copy(t.OpenAI, p.OpenAIMapping)
	maps.Copy(t.Anthropic, p.AnthropicMapping)
	maps.Copy(t.Strategies, p.Strategies)
	return t
}

// LoadTables returns the effective routing tables for the given config
// directory: the JSON config's mappings with the YAML overlay, if one
// exists, merged on top. Overlay entries win key by key.
func (c *Config) LoadTables(dir string) (routing.Tables, error) {
	tables := c.Proxy.Tables()

	overlayPath := filepath.Join(dir, RoutingOverlayFile)
	data, err := os.ReadFile(overlayPath)
	if err != nil {
		if os.IsNotExist(err) {
			return tables, nil
		}
		return tables, fmt.Errorf("failed to read routing overlay: %w", err)
	}

	var overlay routingOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return tables, fmt.Errorf("failed to parse routing overlay: %w", err)
	}

	maps.Copy(tables.Custom, overlay.CustomMapping)
	maps.Copy(tables.OpenAI, overlay.OpenAIMapping)
	maps.Copy(tables.Anthropic, overlay.AnthropicMapping)
	maps.Copy(tables.Strategies, overlay.Strategies)

	return tables, nil
}
