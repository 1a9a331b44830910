package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// InstanceClass describes one entry of the static instance-sizing
// catalogue: the informational shape behind the config's bare
// "standard-1" style string.
type InstanceClass struct {
	Name      string `yaml:"name"`
	CPU       string `yaml:"cpu,omitempty"`
	Memory    string `yaml:"memory,omitempty"`
	Disk      string `yaml:"disk,omitempty"`
	MaxPerFleet int  `yaml:"max_per_fleet,omitempty"`
}

// InstanceClassCatalogue is the top-level structure of an instance
// class file: a flat list of named sizing classes.
type InstanceClassCatalogue struct {
	Classes []InstanceClass `yaml:"classes"`
}

// LoadInstanceClasses reads and parses the optional instance class
// catalogue. An empty path is not an error: it means the informational
// `Instance` string is used as-is with no richer metadata.
func LoadInstanceClasses(path string) (*InstanceClassCatalogue, error) {
	if path == "" {
		return &InstanceClassCatalogue{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance class file: %w", err)
	}

	var catalogue InstanceClassCatalogue
	if err := yaml.Unmarshal(data, &catalogue); err != nil {
		return nil, fmt.Errorf("failed to parse instance class yaml: %w", err)
	}

	return &catalogue, nil
}

// Lookup returns the named class, or ok=false if the catalogue has no
// such entry (including when the catalogue itself is empty).
func (c *InstanceClassCatalogue) Lookup(name string) (InstanceClass, bool) {
	for _, class := range c.Classes {
		if class.Name == name {
			return class, true
		}
	}
	return InstanceClass{}, false
}
