package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// KnownChecks are the check names accepted in config and on the CLI, in
// report order.
var KnownChecks = []string{"null", "duplicate", "domain", "geometry"}

// Config models layerqa.yml.
type Config struct {
	Service struct {
		URL            string `yaml:"url"`
		TokenEnv       string `yaml:"token_env"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"service"`
	Layers map[string]Layer `yaml:"layers"`
	Checks []string         `yaml:"checks"`
	Output struct {
		Dir string `yaml:"dir"`
	} `yaml:"output"`
	DefaultLayer string `yaml:"default_layer"`
}

// Layer names one feature layer to check.
type Layer struct {
	ID               string   `yaml:"id"`
	DuplicateExclude []string `yaml:"duplicate_exclude"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lqa config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.URL == "" {
		return fmt.Errorf("config.service.url is required")
	}
	if c.Service.TimeoutSeconds < 0 {
		return fmt.Errorf("config.service.timeout_seconds must not be negative")
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("config.layers must name at least one layer")
	}
	for name, l := range c.Layers {
		if name == "" {
			return fmt.Errorf("config.layers contains an empty layer name")
		}
		if l.ID == "" {
			return fmt.Errorf("layer %s has no id", name)
		}
		for _, f := range l.DuplicateExclude {
			if f == "" {
				return fmt.Errorf("layer %s has an empty duplicate_exclude entry", name)
			}
		}
	}
	for _, chk := range c.Checks {
		if !knownCheck(chk) {
			return fmt.Errorf("unknown check %q (valid: null, duplicate, domain, geometry)", chk)
		}
	}
	if c.DefaultLayer != "" {
		if _, ok := c.Layers[c.DefaultLayer]; !ok {
			return fmt.Errorf("default_layer %s is not defined under layers", c.DefaultLayer)
		}
	}
	return nil
}

func knownCheck(name string) bool {
	for _, k := range KnownChecks {
		if k == name {
			return true
		}
	}
	return false
}

// EnabledChecks returns the configured checks, defaulting to all of them.
func (c *Config) EnabledChecks() []string {
	if len(c.Checks) == 0 {
		return append([]string(nil), KnownChecks...)
	}
	return append([]string(nil), c.Checks...)
}

// Token resolves the service token from the configured environment variable.
// Empty means anonymous access.
func (c *Config) Token() string {
	if c.Service.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Service.TokenEnv)
}

// ResolveLayer maps a layer name (or raw layer id) to its definition. A name
// not present in config is treated as a literal layer id with no exclusions.
func (c *Config) ResolveLayer(name string) (Layer, error) {
	if name == "" {
		name = c.DefaultLayer
	}
	if name == "" {
		if len(c.Layers) == 1 {
			for _, l := range c.Layers {
				return l, nil
			}
		}
		return Layer{}, fmt.Errorf("layer not specified; use --layer or set default_layer")
	}
	if l, ok := c.Layers[name]; ok {
		return l, nil
	}
	return Layer{ID: name}, nil
}

// OutputDir returns the report directory, defaulting to ./output.
func (c *Config) OutputDir() string {
	if c.Output.Dir == "" {
		return "output"
	}
	return c.Output.Dir
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "layerqa.yml")
}

// GenerateDefault returns default config YAML for a service URL.
func GenerateDefault(serviceURL string) string {
	return fmt.Sprintf(defaultTemplate, serviceURL)
}

// Default returns the default Config struct for a service URL.
func Default(serviceURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, serviceURL)), &cfg)
	return &cfg
}

const defaultTemplate = `service:
  url: %s
  # Name of the environment variable holding the access token. Leave empty
  # for public layers.
  token_env: LAYERQA_TOKEN
  timeout_seconds: 30

layers:
  facilities:
    id: "0"
    # Fields where repeated values are expected and skipped by the
    # duplicate check.
    duplicate_exclude: [City, State, Zip_Code, Last_Updated, QA_Status]

default_layer: facilities

# Checks to run, in report order. Omit to run all of them.
checks: ["null", duplicate, domain, geometry]

output:
  dir: ./output
`
