package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chriskillpack/mediascribe/internal/logging"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ErrNoConfig is returned when no workflow configuration could be loaded
// from any tier, the bundled one included.
var ErrNoConfig = errors.New("no usable workflow configuration")

const (
	CustomFileName   = "describer_config.json"
	WorkflowFileName = "workflow_config.json"

	CustomFileEnv   = "MEDIASCRIBE_CONFIG"
	WorkflowFileEnv = "MEDIASCRIBE_WORKFLOW_CONFIG"
	ConfigDirEnv    = "MEDIASCRIBE_CONFIG_DIR"

	sourceFlag    = "command line"
	sourceDefault = "system default"
)

type kind int

const (
	kString kind = iota
	kInt
	kBool
	kDuration
	kList
	kMap
)

var fieldKinds = map[string]kind{
	"provider":            kString,
	"model":               kString,
	"prompt_style":        kString,
	"custom_prompt":       kString,
	"inputs":              kList,
	"output_dir":          kString,
	"steps":               kList,
	"metadata":            kBool,
	"geocode":             kBool,
	"workers":             kInt,
	"timeout":             kDuration,
	"slow_timeout":        kDuration,
	"max_retries":         kInt,
	"retry_delay":         kDuration,
	"flush_every":         kInt,
	"flush_interval":      kDuration,
	"status_interval":     kDuration,
	"frame_interval":      kDuration,
	"max_image_dimension": kInt,
	"skip_existing":       kBool,
	"resume":              kBool,
	"prompts":             kMap,
	"endpoints":           kMap,
	"api_keys":            kMap,
	"db_path":             kString,
	"geocode_db_path":     kString,
	"geocode_user_agent":  kString,
	"geocode_interval":    kDuration,
}

// Keys returns the configurable field keys in sorted order.
func Keys() []string {
	return slices.Sorted(maps.Keys(fieldKinds))
}

// Args is what the command line contributes.
type Args struct {
	ConfigPath   string // custom file
	WorkflowPath string

	// Overrides holds flag values the user actually set, keyed by field.
	Overrides map[string]string

	// Inputs are positional paths. When present they replace the inputs
	// field of every other source.
	Inputs []string
}

// Resolver locates configuration files. The function fields exist so
// tests can pin the environment; NewResolver fills them from the process.
type Resolver struct {
	Getenv     func(string) string
	Executable func() (string, error)
	Getwd      func() (string, error)
	Bundled    []byte

	Logger *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		Getenv:     os.Getenv,
		Executable: os.Executable,
		Getwd:      os.Getwd,
		Bundled:    bundledConfig,
		Logger:     logging.OrDiscard(logger),
	}
}

// Resolve builds the RunConfig for args. It only reads the filesystem.
func Resolve(args Args, logger *slog.Logger) (*RunConfig, error) {
	return NewResolver(logger).Resolve(args)
}

type layer struct {
	v      *viper.Viper
	source string
}

func (r *Resolver) Resolve(args Args) (*RunConfig, error) {
	logger := logging.OrDiscard(r.Logger)

	workflow := r.load(WorkflowFileName, WorkflowFileEnv, args.WorkflowPath, r.Bundled)
	if workflow == nil {
		return nil, ErrNoConfig
	}
	custom := r.load(CustomFileName, CustomFileEnv, args.ConfigPath, nil)

	// Highest precedence first.
	var layers []layer
	if custom != nil {
		layers = append(layers, *custom)
	}
	layers = append(layers, *workflow)

	defaults := systemDefaults()
	merged := viper.New()
	sources := make(map[string]string, len(fieldKinds))

	for _, key := range Keys() {
		k := fieldKinds[key]

		if k == kMap {
			value, src := mergeMaps(key, defaults[key], layers, args.Overrides[key], logger)
			merged.Set(key, value)
			sources[key] = src
			continue
		}

		value, src, ok := any(nil), "", false
		if key == "inputs" && len(args.Inputs) > 0 {
			value, src, ok = slices.Clone(args.Inputs), sourceFlag, true
		} else if raw, set := args.Overrides[key]; set {
			if v, err := coerce(k, raw); err == nil {
				value, src, ok = v, sourceFlag, true
			} else {
				logger.Warn("ignoring invalid flag value", "field", key, "value", raw, "error", err)
			}
		}
		for _, l := range layers {
			if ok {
				break
			}
			if !l.v.IsSet(key) {
				continue
			}
			if v, err := coerce(k, l.v.Get(key)); err == nil {
				value, src, ok = v, l.source, true
			} else {
				logger.Warn("ignoring invalid config value", "field", key, "source", l.source, "error", err)
			}
		}
		if !ok {
			value, _ = coerce(k, defaults[key])
			src = sourceDefault
		}

		merged.Set(key, value)
		sources[key] = src
	}

	cfg := &RunConfig{}
	if err := merged.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}
	cfg.Sources = sources

	for _, key := range Keys() {
		logger.Debug("config value", "field", key, "source", sources[key])
	}
	logger.Info("resolved configuration",
		"provider", cfg.Provider, "provider_source", sources["provider"],
		"model", cfg.Model, "model_source", sources["model"],
		"prompt_style", cfg.PromptStyle, "workers", cfg.Workers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type candidate struct {
	tier string
	path string
	data []byte
}

// candidates lists the tiers searched for name, highest priority first.
func (r *Resolver) candidates(name, fileEnv, explicit string, bundled []byte) []candidate {
	var cs []candidate
	if explicit != "" {
		cs = append(cs, candidate{tier: sourceFlag, path: explicit})
	}
	if p := r.Getenv(fileEnv); p != "" {
		cs = append(cs, candidate{tier: "$" + fileEnv, path: p})
	}
	if d := r.Getenv(ConfigDirEnv); d != "" {
		cs = append(cs, candidate{tier: "$" + ConfigDirEnv, path: filepath.Join(d, name)})
	}
	if exe, err := r.Executable(); err == nil {
		dir := filepath.Dir(exe)
		cs = append(cs,
			candidate{tier: "program directory", path: filepath.Join(dir, name)},
			candidate{tier: "program scripts directory", path: filepath.Join(dir, "scripts", name)},
		)
	}
	if wd, err := r.Getwd(); err == nil {
		cs = append(cs, candidate{tier: "working directory", path: filepath.Join(wd, name)})
	}
	if bundled != nil {
		cs = append(cs, candidate{tier: "bundled", data: bundled})
	}
	return cs
}

// load returns the first existing, parseable file among the tiers, or nil.
func (r *Resolver) load(name, fileEnv, explicit string, bundled []byte) *layer {
	logger := logging.OrDiscard(r.Logger)

	for _, c := range r.candidates(name, fileEnv, explicit, bundled) {
		v := viper.New()
		v.SetConfigType("json")

		var err error
		if c.data != nil {
			err = v.ReadConfig(bytes.NewReader(c.data))
		} else {
			info, serr := os.Stat(c.path)
			if serr != nil || info.IsDir() {
				if c.tier == sourceFlag {
					logger.Warn("config file given on command line not found", "file", name, "path", c.path)
				}
				continue
			}
			v.SetConfigFile(c.path)
			err = v.ReadInConfig()
		}
		if err != nil {
			logger.Warn("ignoring invalid config file", "file", name, "tier", c.tier, "path", c.path, "error", err)
			continue
		}

		logger.Info("using config file", "file", name, "tier", c.tier, "path", c.path)
		source := name + " from " + c.tier
		if c.path != "" {
			source += " (" + c.path + ")"
		}
		return &layer{v: v, source: source}
	}
	return nil
}

// mergeMaps overlays map-valued fields key by key: defaults, then files
// from lowest to highest precedence, then a flag override.
func mergeMaps(key string, def any, layers []layer, override string, logger *slog.Logger) (map[string]string, string) {
	out := cast.ToStringMapString(def)
	src := sourceDefault
	for _, l := range slices.Backward(layers) {
		if !l.v.IsSet(key) {
			continue
		}
		m, err := cast.ToStringMapStringE(l.v.Get(key))
		if err != nil {
			logger.Warn("ignoring invalid config value", "field", key, "source", l.source, "error", err)
			continue
		}
		maps.Copy(out, m)
		src = l.source
	}
	if override != "" {
		// name=value,name=value
		for pair := range strings.SplitSeq(override, ",") {
			if k, v, ok := strings.Cut(pair, "="); ok {
				out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
				src = sourceFlag
			}
		}
	}
	return out, src
}

func coerce(k kind, v any) (any, error) {
	switch k {
	case kString:
		return cast.ToStringE(v)
	case kInt:
		return cast.ToIntE(v)
	case kBool:
		return cast.ToBoolE(v)
	case kDuration:
		// Bare numbers in JSON are seconds.
		switch n := v.(type) {
		case float64:
			return time.Duration(n * float64(time.Second)), nil
		case int:
			return time.Duration(n) * time.Second, nil
		}
		return cast.ToDurationE(v)
	case kList:
		if s, ok := v.(string); ok {
			var out []string
			for part := range strings.SplitSeq(s, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			return out, nil
		}
		return cast.ToStringSliceE(v)
	}
	return nil, fmt.Errorf("unsupported kind %d", k)
}
