package mediascribe

import (
	"cmp"
	"context"
	"os"

	"github.com/chriskillpack/mediascribe/describer"
	"github.com/chriskillpack/mediascribe/internal/gemini"
	"github.com/chriskillpack/mediascribe/internal/hfcaption"
	"github.com/chriskillpack/mediascribe/internal/llama"
	"github.com/chriskillpack/mediascribe/internal/ollama"
	"github.com/chriskillpack/mediascribe/internal/openai"
)

// builtinProviders is the one table of providers. Adding a provider means
// adding an entry here and nothing else.
var builtinProviders = []Registration{
	{
		Capability: Capability{
			Name:                  "ollama",
			DisplayName:           "Ollama",
			SupportsPrompts:       true,
			SupportsCustomPrompts: true,
			DefaultModel:          "llava",
			Local:                 true,
			Slow:                  true,
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			srv := cmp.Or(cfg.Endpoint, os.Getenv("OLLAMA_HOST"), "http://localhost:11434")
			return ollama.Init(ctx, cfg.Model, srv, cfg.HttpClient, cfg.Logger)
		},
	},
	{
		Capability: Capability{
			Name:                  "llama",
			DisplayName:           "llama.cpp server",
			SupportsPrompts:       true,
			SupportsCustomPrompts: true,
			DefaultModel:          "llava-v1.5-7b",
			Local:                 true,
			Slow:                  true,
			Serialize:             true, // one inference slot
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			return llama.Init(cmp.Or(cfg.Endpoint, "http://localhost:8080"), cfg.Seed, cfg.HttpClient), nil
		},
	},
	{
		Capability: Capability{
			Name:                  "openai",
			DisplayName:           "OpenAI",
			SupportsPrompts:       true,
			SupportsCustomPrompts: true,
			RequiresAPIKey:        true,
			APIKeyEnv:             "OPENAI_API_KEY",
			DefaultModel:          "gpt-4o-mini",
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			return openai.Init(openai.Options{
				APIKey:            cfg.APIKey,
				BaseURL:           cfg.Endpoint,
				Model:             cfg.Model,
				RequestsPerMinute: 60,
				HttpClient:        cfg.HttpClient,
			}), nil
		},
	},
	{
		Capability: Capability{
			Name:                  "lmstudio",
			DisplayName:           "LM Studio",
			SupportsPrompts:       true,
			SupportsCustomPrompts: true,
			DefaultModel:          "qwen2-vl-7b-instruct",
			Local:                 true,
			Slow:                  true,
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			return openai.Init(openai.Options{
				Name:       "lmstudio",
				APIKey:     cmp.Or(cfg.APIKey, "lm-studio"),
				BaseURL:    cmp.Or(cfg.Endpoint, "http://localhost:1234/v1"),
				Model:      cfg.Model,
				HttpClient: cfg.HttpClient,
			}), nil
		},
	},
	{
		Capability: Capability{
			Name:                  "gemini",
			DisplayName:           "Gemini (Vertex AI)",
			SupportsPrompts:       true,
			SupportsCustomPrompts: true,
			DefaultModel:          "gemini-1.5-flash",
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			project, location := gemini.ParseEndpoint(cfg.Endpoint)
			project = cmp.Or(project, os.Getenv("GOOGLE_CLOUD_PROJECT"))
			return gemini.Init(ctx, project, location, cfg.Model)
		},
	},
	{
		Capability: Capability{
			Name:           "hfcaption",
			DisplayName:    "Hugging Face captioner",
			RequiresAPIKey: true,
			APIKeyEnv:      "HF_API_TOKEN",
			DefaultModel:   "Salesforce/blip-image-captioning-large",
		},
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			return hfcaption.Init(cfg.Endpoint, cfg.Model, cfg.APIKey, cfg.HttpClient), nil
		},
	},
}
