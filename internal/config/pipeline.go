package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/holistic.report/internal/holistic/l2frames"
	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/holistic/pipeline"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

// PipelineConfig is the on-disk pipeline configuration. Every field is
// optional; the Get* accessors supply defaults for anything left out.
type PipelineConfig struct {
	// Aggregator
	GCHorizon  *string `json:"gc_horizon,omitempty"`  // duration string like "1s"
	GCInterval *string `json:"gc_interval,omitempty"` // duration string like "250ms"
	InboxSize  *int    `json:"inbox_size,omitempty"`

	// Sequence window
	SequenceLength      *int    `json:"sequence_length,omitempty"`
	QualityThreshold    *int    `json:"quality_threshold,omitempty"`
	QualityPolicy       *string `json:"quality_policy,omitempty"` // "reset" or "drop"
	MinDispatchInterval *string `json:"min_dispatch_interval,omitempty"`

	// Inference
	MaxInFlight      *int     `json:"max_in_flight,omitempty"`
	InferenceTimeout *string  `json:"inference_timeout,omitempty"`
	DrainTimeout     *string  `json:"drain_timeout,omitempty"`
	Labels           []string `json:"labels,omitempty"`

	// History
	Retention         *string `json:"retention,omitempty"` // "0s" keeps history forever
	RetentionSchedule *string `json:"retention_schedule,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyPipelineConfig returns a PipelineConfig with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. The file must
// have a .json extension and be at most 1MB. Partial files are fine.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from the
// working directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/holistic/<pkg>/
		"../../../../" + DefaultConfigPath, // from internal/holistic/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *PipelineConfig) Validate() error {
	durations := []struct {
		name string
		v    *string
		min  time.Duration
	}{
		{"gc_horizon", c.GCHorizon, time.Millisecond},
		{"gc_interval", c.GCInterval, time.Millisecond},
		{"min_dispatch_interval", c.MinDispatchInterval, 0},
		{"inference_timeout", c.InferenceTimeout, 0},
		{"drain_timeout", c.DrainTimeout, 0},
		{"retention", c.Retention, 0},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if parsed < d.min {
			return fmt.Errorf("%s must be at least %s, got %s", d.name, d.min, parsed)
		}
	}

	if c.InboxSize != nil && *c.InboxSize <= 0 {
		return fmt.Errorf("inbox_size must be positive, got %d", *c.InboxSize)
	}
	if c.SequenceLength != nil && *c.SequenceLength <= 0 {
		return fmt.Errorf("sequence_length must be positive, got %d", *c.SequenceLength)
	}
	if c.QualityThreshold != nil {
		if *c.QualityThreshold < 1 || *c.QualityThreshold > l3features.MaxQuality {
			return fmt.Errorf("quality_threshold must be between 1 and %d, got %d", l3features.MaxQuality, *c.QualityThreshold)
		}
	}
	if c.QualityPolicy != nil {
		if _, err := l4sequence.ParsePolicy(*c.QualityPolicy); err != nil {
			return err
		}
	}
	if c.MaxInFlight != nil && *c.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight must be non-negative, got %d", *c.MaxInFlight)
	}
	for i, l := range c.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("labels[%d] is empty", i)
		}
	}
	return nil
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetGCHorizon returns the gc_horizon value or the default.
func (c *PipelineConfig) GetGCHorizon() time.Duration {
	return parseDuration(c.GCHorizon, l2frames.DefaultHorizon)
}

// GetGCInterval returns the gc_interval value or the default.
func (c *PipelineConfig) GetGCInterval() time.Duration {
	return parseDuration(c.GCInterval, l2frames.DefaultGCInterval)
}

// GetInboxSize returns the inbox_size value or the default.
func (c *PipelineConfig) GetInboxSize() int {
	if c.InboxSize == nil {
		return l2frames.DefaultInboxSize
	}
	return *c.InboxSize
}

// GetSequenceLength returns the sequence_length value or the default.
func (c *PipelineConfig) GetSequenceLength() int {
	if c.SequenceLength == nil {
		return l4sequence.DefaultCapacity
	}
	return *c.SequenceLength
}

// GetQualityThreshold returns the quality_threshold value or the default.
func (c *PipelineConfig) GetQualityThreshold() int {
	if c.QualityThreshold == nil {
		return l4sequence.DefaultQualityThreshold
	}
	return *c.QualityThreshold
}

// GetQualityPolicy returns the quality_policy value or PolicyReset.
func (c *PipelineConfig) GetQualityPolicy() l4sequence.Policy {
	if c.QualityPolicy == nil {
		return l4sequence.PolicyReset
	}
	p, err := l4sequence.ParsePolicy(*c.QualityPolicy)
	if err != nil {
		return l4sequence.PolicyReset
	}
	return p
}

// GetMinDispatchInterval returns the min_dispatch_interval value or zero.
func (c *PipelineConfig) GetMinDispatchInterval() time.Duration {
	return parseDuration(c.MinDispatchInterval, 0)
}

// GetMaxInFlight returns the max_in_flight value or zero, which leaves
// classifier calls unbounded.
func (c *PipelineConfig) GetMaxInFlight() int {
	if c.MaxInFlight == nil {
		return 0
	}
	return *c.MaxInFlight
}

// GetInferenceTimeout returns the inference_timeout value or the default.
func (c *PipelineConfig) GetInferenceTimeout() time.Duration {
	return parseDuration(c.InferenceTimeout, 5*time.Second)
}

// GetDrainTimeout returns the drain_timeout value or the default.
func (c *PipelineConfig) GetDrainTimeout() time.Duration {
	return parseDuration(c.DrainTimeout, pipeline.DefaultDrainTimeout)
}

// GetLabels returns the configured class table or the bundled one.
func (c *PipelineConfig) GetLabels() l5inference.Labels {
	if len(c.Labels) == 0 {
		return l5inference.DefaultLabels
	}
	return l5inference.Labels(c.Labels)
}

// GetRetention returns how long history is kept. Zero means forever.
func (c *PipelineConfig) GetRetention() time.Duration {
	return parseDuration(c.Retention, 7*24*time.Hour)
}

// GetRetentionSchedule returns the cron schedule for history pruning.
func (c *PipelineConfig) GetRetentionSchedule() string {
	if c.RetentionSchedule == nil || *c.RetentionSchedule == "" {
		return "@hourly"
	}
	return *c.RetentionSchedule
}

// ControllerConfig returns a pipeline.Config with the tunables filled in.
// Sources, the classifier and any observers are left for the caller.
func (c *PipelineConfig) ControllerConfig() pipeline.Config {
	return pipeline.Config{
		Aggregator: l2frames.AggregatorConfig{
			Horizon:    c.GetGCHorizon(),
			GCInterval: c.GetGCInterval(),
			InboxSize:  c.GetInboxSize(),
		},
		Window: l4sequence.Config{
			Capacity:            c.GetSequenceLength(),
			QualityThreshold:    c.GetQualityThreshold(),
			Policy:              c.GetQualityPolicy(),
			MinDispatchInterval: c.GetMinDispatchInterval(),
		},
		Inference: l5inference.DispatcherConfig{
			Labels:      c.GetLabels(),
			MaxInFlight: c.GetMaxInFlight(),
			Timeout:     c.GetInferenceTimeout(),
		},
		DrainTimeout: c.GetDrainTimeout(),
	}
}
