// Package config resolves the effective RunConfig for one invocation from
// command line overrides, configuration files found at well-known
// locations, and built-in defaults.
package config

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Step is one pipeline stage.
type Step string

const (
	StepExtract  Step = "extract"
	StepConvert  Step = "convert"
	StepDescribe Step = "describe"
	StepReport   Step = "report"
)

// AllSteps lists the stages in execution order.
var AllSteps = []Step{StepExtract, StepConvert, StepDescribe, StepReport}

// RunConfig is the fully resolved configuration of one run. It is not
// modified after Resolve returns.
type RunConfig struct {
	Provider     string   `mapstructure:"provider"`
	Model        string   `mapstructure:"model"`
	PromptStyle  string   `mapstructure:"prompt_style"`
	CustomPrompt string   `mapstructure:"custom_prompt"`
	Inputs       []string `mapstructure:"inputs"`
	OutputDir    string   `mapstructure:"output_dir"`
	Steps        []string `mapstructure:"steps"`

	Metadata bool `mapstructure:"metadata"`
	Geocode  bool `mapstructure:"geocode"`

	Workers     int           `mapstructure:"workers"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SlowTimeout time.Duration `mapstructure:"slow_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`

	FlushEvery     int           `mapstructure:"flush_every"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	StatusInterval time.Duration `mapstructure:"status_interval"`

	FrameInterval     time.Duration `mapstructure:"frame_interval"`
	MaxImageDimension int           `mapstructure:"max_image_dimension"`

	SkipExisting bool `mapstructure:"skip_existing"`
	Resume       bool `mapstructure:"resume"`

	Prompts   map[string]string `mapstructure:"prompts"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	APIKeys   map[string]string `mapstructure:"api_keys"`

	DBPath           string        `mapstructure:"db_path"`
	GeocodeDBPath    string        `mapstructure:"geocode_db_path"`
	GeocodeUserAgent string        `mapstructure:"geocode_user_agent"`
	GeocodeInterval  time.Duration `mapstructure:"geocode_interval"`

	// Sources maps each field key to the tier that supplied it.
	Sources map[string]string `mapstructure:"-"`
}

// StepEnabled reports whether s runs in this configuration.
func (c *RunConfig) StepEnabled(s Step) bool {
	return slices.Contains(c.Steps, string(s))
}

// PromptText returns the text of the configured prompt style.
func (c *RunConfig) PromptText() string {
	text, _ := c.prompt()
	return text
}

// prompt looks the style up ignoring case. Map keys read from files are
// lowercased by viper, the style value is not.
func (c *RunConfig) prompt() (string, bool) {
	if text, ok := c.Prompts[c.PromptStyle]; ok {
		return text, true
	}
	text, ok := c.Prompts[strings.ToLower(c.PromptStyle)]
	return text, ok
}

// TimeoutFor returns the per-call timeout for a provider.
func (c *RunConfig) TimeoutFor(slow bool) time.Duration {
	if slow {
		return max(c.Timeout, c.SlowTimeout)
	}
	return c.Timeout
}

// StateDBPath returns the run database location.
func (c *RunConfig) StateDBPath() string {
	return cmp.Or(c.DBPath, filepath.Join(c.OutputDir, "mediascribe.db"))
}

// Validate checks values that would make a run meaningless.
func (c *RunConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("no provider configured")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("no output directory configured")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.FlushEvery < 1 {
		return fmt.Errorf("flush_every must be at least 1, got %d", c.FlushEvery)
	}
	for _, s := range c.Steps {
		if !slices.Contains(AllSteps, Step(s)) {
			return fmt.Errorf("unknown step %q", s)
		}
	}
	if c.CustomPrompt == "" {
		if _, ok := c.prompt(); !ok {
			return fmt.Errorf("unknown prompt style %q", c.PromptStyle)
		}
	}
	return nil
}
