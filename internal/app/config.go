package app

import "errors"

// Config holds everything an App instance needs to run.
type Config struct {
	GraphPath string // .hcl file or directory of .hcl files

	LogFormat   string
	LogLevel    string
	WorkerCount int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.GraphPath == "" {
		return nil, errors.New("GraphPath is a required configuration field and cannot be empty")
	}
	if cfg.WorkerCount < 0 {
		return nil, errors.New("WorkerCount cannot be negative")
	}

	return &cfg, nil
}
