package logging

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	EnabledSinks []string
	// BufferSize is the shared queue length; SinkBuffer the per-sink backlog.
	BufferSize      int
	SinkBuffer      int
	MinimumSeverity Severity
	// Categories restricts routing to the listed event categories. Empty
	// routes every category.
	Categories       []string
	Fields           map[string]any
	JSON             JSONConfig
	Console          ConsoleConfig
	DropWarnInterval time.Duration
}

type JSONConfig struct {
	FilePath      string
	FlushInterval time.Duration
}

type ConsoleConfig struct {
	// HidePayload prints only the event header.
	HidePayload bool
}

func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       512,
		SinkBuffer:       256,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: 5 * time.Second,
		JSON: JSONConfig{
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) HasSink(name string) bool {
	for _, s := range c.EnabledSinks {
		if s == name {
			return true
		}
	}
	return false
}

func (c Config) categorySet() map[string]bool {
	if len(c.Categories) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.Categories))
	for _, category := range c.Categories {
		set[category] = true
	}
	return set
}

// ParseSeverity maps a level name onto a Severity.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return SeverityDebug, nil
	case "", "info":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	}
	return SeverityInfo, fmt.Errorf("logging: unknown severity %q", name)
}
