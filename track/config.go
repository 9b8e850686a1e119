package track

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planstore/planstore/store"
)

// Level selects which executions are recorded.
type Level int

const (
	// LevelNone records nothing.
	LevelNone Level = iota
	// LevelTop records only top-level statements.
	LevelTop
	// LevelAll records nested statements too.
	LevelAll
	// LevelVerbose additionally records internal statements that are
	// normally suppressed, such as the ones issued while installing
	// extensions.
	LevelVerbose
)

// ParseLevel maps the configuration spelling to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "none":
		return LevelNone, nil
	case "top":
		return LevelTop, nil
	case "all":
		return LevelAll, nil
	case "verbose":
		return LevelVerbose, nil
	}
	return 0, fmt.Errorf("track: unknown level %q", s)
}

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelTop:
		return "top"
	case LevelAll:
		return "all"
	case LevelVerbose:
		return "verbose"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Config is the YAML-loadable configuration surface. Field names follow
// the server variables of the original deployment shape.
type Config struct {
	// Max is the maximum number of plans tracked.
	Max int `yaml:"max"`
	// MaxPlanLength is the byte limit for one stored plan text.
	MaxPlanLength int `yaml:"max_plan_length"`
	// Track is the tracking level: none, top, all or verbose.
	Track string `yaml:"track"`
	// MinDuration is the minimum execution time to record,
	// in milliseconds.
	MinDuration int `yaml:"min_duration"`
	// PlanFormat selects the snapshot plan representation:
	// raw, text, json, yaml or xml.
	PlanFormat string `yaml:"plan_format"`
	// PlanStorage selects where plan texts live: "file" for the
	// external append-only file, "inline" for in-table storage.
	PlanStorage string `yaml:"plan_storage"`
	// Save persists statistics across restarts.
	Save bool `yaml:"save"`

	// Verbosity toggles for what the host includes when formatting the
	// plan document handed to Observe.
	LogAnalyze  bool `yaml:"log_analyze"`
	LogBuffers  bool `yaml:"log_buffers"`
	LogTiming   bool `yaml:"log_timing"`
	LogTriggers bool `yaml:"log_triggers"`
	LogVerbose  bool `yaml:"log_verbose"`

	// Paths for the persistence files.
	DumpPath string `yaml:"dump_path"`
	TextPath string `yaml:"text_path"`
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Max:           1000,
		MaxPlanLength: 5000,
		Track:         "top",
		MinDuration:   0,
		PlanFormat:    "text",
		PlanStorage:   "file",
		Save:          true,
		LogTiming:     true,
		DumpPath:      "planstore.stat",
		TextPath:      "planstore_texts.stat",
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("track: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := ParseLevel(c.Track); err != nil {
		return err
	}
	if _, err := c.Format(); err != nil {
		return err
	}
	switch c.PlanStorage {
	case "file", "inline":
	default:
		return fmt.Errorf("track: unknown plan_storage %q", c.PlanStorage)
	}
	if c.MinDuration < 0 {
		return fmt.Errorf("track: negative min_duration %d", c.MinDuration)
	}
	return nil
}

// Format maps the configured plan_format to the store's Format.
func (c Config) Format() (store.Format, error) {
	switch c.PlanFormat {
	case "raw":
		return store.FormatRaw, nil
	case "text":
		return store.FormatText, nil
	case "json":
		return store.FormatJSON, nil
	case "yaml":
		return store.FormatYAML, nil
	case "xml":
		return store.FormatXML, nil
	}
	return 0, fmt.Errorf("track: unknown plan_format %q", c.PlanFormat)
}

// Level returns the parsed tracking level.
func (c Config) Level() Level {
	l, err := ParseLevel(c.Track)
	if err != nil {
		return LevelTop
	}
	return l
}

// StoreOptions translates the configuration into store.Options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		Capacity:     c.Max,
		MaxPlanLen:   c.MaxPlanLength,
		ExternalText: c.PlanStorage == "file",
		TextPath:     c.TextPath,
		DumpPath:     c.DumpPath,
		Persist:      c.Save,
	}
}

// MinDurationThreshold returns the recording threshold as a Duration.
func (c Config) MinDurationThreshold() time.Duration {
	return time.Duration(c.MinDuration) * time.Millisecond
}
