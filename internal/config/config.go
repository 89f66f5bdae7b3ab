// Package config loads pipeline configuration from an optional YAML file
// with environment-variable overrides. Deployed functions configure
// themselves purely through the environment; the standalone worker usually
// ships a config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Extraction transport modes. Inline fans out in-process; workflow hands the
// rendered page list to a Cloud Workflows execution which calls the
// page-extractor function per page.
const (
	ModeInline   = "inline"
	ModeWorkflow = "workflow"
)

const configPathEnv = "DOCUMENT_INGEST_CONFIG"

// Config holds all settings required across the pipeline.
type Config struct {
	ProjectID     string `yaml:"projectId"`
	ContentBucket string `yaml:"contentBucket"`
	LogLevel      string `yaml:"logLevel"`

	Firestore struct {
		Collection string `yaml:"collection"`
	} `yaml:"firestore"`

	PubSub struct {
		Subscription   string `yaml:"subscription"`
		Topic          string `yaml:"topic"`
		MaxOutstanding int    `yaml:"maxOutstanding"`
	} `yaml:"pubsub"`

	Vertex struct {
		Region string `yaml:"region"`
		Model  string `yaml:"model"`
	} `yaml:"vertex"`

	Workflow struct {
		ID       string `yaml:"id"`
		Location string `yaml:"location"`
	} `yaml:"workflow"`

	Extraction struct {
		Mode          string  `yaml:"mode"`
		Concurrency   int     `yaml:"concurrency"`
		RatePerSecond float64 `yaml:"ratePerSecond"`
	} `yaml:"extraction"`

	Render struct {
		DPI float64 `yaml:"dpi"`
	} `yaml:"render"`

	Fetch struct {
		TimeoutSeconds int `yaml:"timeoutSeconds"`
	} `yaml:"fetch"`
}

// FetchTimeout resolves the configured fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Load reads the YAML file at path (or $DOCUMENT_INGEST_CONFIG when path is
// empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.LogLevel = "info"
	cfg.Firestore.Collection = "documents"
	cfg.PubSub.MaxOutstanding = 10
	cfg.Vertex.Region = "us-central1"
	cfg.Vertex.Model = "gemini-1.5-pro"
	cfg.Workflow.ID = "page-text-extraction"
	cfg.Workflow.Location = "us-central1"
	cfg.Extraction.Mode = ModeInline
	cfg.Extraction.Concurrency = 4
	cfg.Extraction.RatePerSecond = 2
	cfg.Render.DPI = 200
	cfg.Fetch.TimeoutSeconds = 60
	return cfg
}

func (c *Config) applyEnvOverrides() {
	setString(&c.ProjectID, "PROJECT_ID")
	setString(&c.ContentBucket, "CONTENT_BUCKET")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Firestore.Collection, "FIRESTORE_COLLECTION")
	setString(&c.PubSub.Subscription, "PUBSUB_SUBSCRIPTION")
	setString(&c.PubSub.Topic, "PUBSUB_TOPIC")
	setString(&c.Vertex.Region, "VERTEX_AI_REGION")
	setString(&c.Vertex.Model, "VERTEX_AI_MODEL")
	setString(&c.Workflow.ID, "WORKFLOW_ID")
	setString(&c.Workflow.Location, "WORKFLOW_LOCATION")
	setString(&c.Extraction.Mode, "EXTRACTION_MODE")
	setInt(&c.Extraction.Concurrency, "EXTRACTION_CONCURRENCY")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("projectId must be set (PROJECT_ID)")
	}
	if c.ContentBucket == "" {
		return fmt.Errorf("contentBucket must be set (CONTENT_BUCKET)")
	}
	switch c.Extraction.Mode {
	case ModeInline, ModeWorkflow:
	default:
		return fmt.Errorf("extraction mode must be %q or %q, got %q", ModeInline, ModeWorkflow, c.Extraction.Mode)
	}
	if c.Extraction.Concurrency < 1 {
		return fmt.Errorf("extraction concurrency must be at least 1")
	}
	return nil
}
