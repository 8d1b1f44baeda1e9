package agentclient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// UpdateConfigFile sets keys of one top-level section of a YAML config file
// and writes it back. A nil value removes the key.
func UpdateConfigFile(path, section string, values map[string]any) error {
	if path == "" {
		return fmt.Errorf("config path not set")
	}

	config := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if config == nil {
			config = map[string]any{}
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to read config file: %w", err)
	}

	sectionConfig, ok := config[section].(map[string]any)
	if !ok {
		sectionConfig = make(map[string]any)
		config[section] = sectionConfig
	}

	for key, value := range values {
		if value == nil {
			delete(sectionConfig, key)
			continue
		}
		sectionConfig[key] = value
	}

	updatedData, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Updated by fleet-agent on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(comment+string(updatedData)), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
