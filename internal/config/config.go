package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"annolab/internal/span"
)

// Config models annolab.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Annotation struct {
		Catalog  map[string]SubTypeConfig `yaml:"catalog"`
		Defaults struct {
			Text  string `yaml:"text"`
			Image string `yaml:"image"`
		} `yaml:"defaults"`
		MaxBatchSpans int `yaml:"max_batch_spans"`
	} `yaml:"annotation"`
	Queue struct {
		PollSeconds int          `yaml:"poll_seconds"`
		Sinks       []SinkConfig `yaml:"sinks"`
	} `yaml:"queue"`
}

// SubTypeConfig describes one enabled annotation sub-type.
type SubTypeConfig struct {
	Media       string `yaml:"media"`
	Description string `yaml:"description"`
}

// SinkConfig is an HTTP endpoint the queue dispatcher delivers tasks to.
type SinkConfig struct {
	URL            string   `yaml:"url"`
	Kinds          []string `yaml:"kinds"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with annolab project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "annotation-project" {
		return fmt.Errorf("config.project.kind must be 'annotation-project'")
	}
	if len(c.Annotation.Catalog) == 0 {
		return fmt.Errorf("config.annotation.catalog is required")
	}
	for st, entry := range c.Annotation.Catalog {
		if !span.Supported(st) {
			return fmt.Errorf("catalog sub-type %s is not supported", st)
		}
		switch entry.Media {
		case "text":
			if !span.IsTextSubType(st) {
				return fmt.Errorf("catalog sub-type %s is not a text sub-type", st)
			}
		case "image":
			if span.IsTextSubType(st) {
				return fmt.Errorf("catalog sub-type %s is not an image sub-type", st)
			}
		default:
			return fmt.Errorf("catalog sub-type %s has invalid media %q", st, entry.Media)
		}
	}
	if d := c.Annotation.Defaults.Text; d != "" {
		if _, ok := c.Annotation.Catalog[d]; !ok {
			return fmt.Errorf("default text sub-type %s not in catalog", d)
		}
	}
	if d := c.Annotation.Defaults.Image; d != "" {
		if _, ok := c.Annotation.Catalog[d]; !ok {
			return fmt.Errorf("default image sub-type %s not in catalog", d)
		}
	}
	if c.Annotation.MaxBatchSpans < 0 {
		return fmt.Errorf("config.annotation.max_batch_spans must be >= 0")
	}
	if c.Queue.PollSeconds < 0 {
		return fmt.Errorf("config.queue.poll_seconds must be >= 0")
	}
	for i, sink := range c.Queue.Sinks {
		if sink.Enabled != nil && !*sink.Enabled {
			continue
		}
		if strings.TrimSpace(sink.URL) == "" {
			return fmt.Errorf("queue sink %d has empty url", i)
		}
	}
	return nil
}

// AllowsSubType reports whether the project catalog enables the sub-type.
func (c *Config) AllowsSubType(subType string) bool {
	if c == nil || len(c.Annotation.Catalog) == 0 {
		return span.Supported(subType)
	}
	_, ok := c.Annotation.Catalog[subType]
	return ok
}

// DefaultSubType returns the configured default sub-type for a media type.
func (c *Config) DefaultSubType(media string) string {
	if c == nil {
		return ""
	}
	switch media {
	case "image":
		return c.Annotation.Defaults.Image
	default:
		return c.Annotation.Defaults.Text
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annolab.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "annotation-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `project:
  id: %s
  kind: annotation-project

annotation:
  catalog:
    ner:
      media: text
      description: "Named entity spans over document text"
    pos:
      media: text
      description: "Part-of-speech tags over token ranges"
    sentiment:
      media: text
      description: "Sentiment-bearing text ranges"
    span:
      media: text
      description: "Free-form labeled character ranges"
    classification:
      media: text
      description: "Whole-document class labels"
    bounding_box:
      media: image
      description: "Axis-aligned object boxes"
    polygon:
      media: image
      description: "Closed polygon outlines"
    keypoint:
      media: image
      description: "Named landmark coordinates"
    image_classification:
      media: image
      description: "Whole-image class labels"

  defaults:
    text: ner
    image: bounding_box

  max_batch_spans: 500

queue:
  poll_seconds: 2
  sinks: []
`
