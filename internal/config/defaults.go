package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the built-in configuration. Every field here can be
// overridden by the config file or a PAGEMILL_* environment variable.
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return &Config{
		Home: filepath.Join(homeDir, ".pagemill"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		OCR: OCRConfig{
			Endpoint:             "http://localhost:8000",
			Transport:            "native",
			Model:                "deepseek-ai/DeepSeek-OCR-2",
			PromptType:           "document",
			Grounding:            true,
			TimeoutSeconds:       120,
			RetryIntervalSeconds: 5,
			MaxTokens:            8192,
		},
		Health: HealthConfig{
			PollIntervalSeconds: 5,
			BusyThreshold:       4,
			FullThreshold:       16,
		},
		Pipeline: PipelineConfig{
			QueueSize:   1024,
			AutoAdvance: true,
		},
		Render: RenderConfig{
			DPI: 300,
		},
		Container: ContainerConfig{
			Name:  "pagemill-ocr",
			Image: "deepseek-ai/deepseek-ocr-2:latest",
			Port:  "8000",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}
