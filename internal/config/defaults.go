package config

import (
	_ "embed"
	"os"
	"path/filepath"
)

// bundledConfig is the last file tier, shipped inside the binary.
//
//go:embed defaults.json
var bundledConfig []byte

// systemDefaults fills any field no file or flag supplies.
func systemDefaults() map[string]any {
	geocodeDB := "geocode.db"
	if dir, err := os.UserCacheDir(); err == nil {
		geocodeDB = filepath.Join(dir, "mediascribe", "geocode.db")
	}

	return map[string]any{
		"provider":            "ollama",
		"model":               "",
		"prompt_style":        "detailed",
		"custom_prompt":       "",
		"inputs":              []string{},
		"output_dir":          "mediascribe_output",
		"steps":               []string{"extract", "convert", "describe", "report"},
		"metadata":            true,
		"geocode":             true,
		"workers":             4,
		"timeout":             "90s",
		"slow_timeout":        "5m",
		"max_retries":         2,
		"retry_delay":         "2s",
		"flush_every":         10,
		"flush_interval":      "5s",
		"status_interval":     "1s",
		"frame_interval":      "5s",
		"max_image_dimension": 1600,
		"skip_existing":       false,
		"resume":              false,
		"prompts":             map[string]string{"detailed": "Describe this image in detail."},
		"endpoints":           map[string]string{},
		"api_keys":            map[string]string{},
		"db_path":             "",
		"geocode_db_path":     geocodeDB,
		"geocode_user_agent":  "mediascribe/1.0",
		"geocode_interval":    "1s",
	}
}
