package cmd

import (
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/matview/pkg/engine"
	"gopkg.in/yaml.v3"
)

func loadConfigFromFile(file string) (*engine.Config, error) {
	if file == "" {
		file = "config.yaml"
	}

	config := &engine.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(yamlFile, config); err != nil {
		return nil, err
	}

	return config, nil
}
