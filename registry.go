package mediascribe

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"

	"github.com/chriskillpack/mediascribe/describer"
	"github.com/chriskillpack/mediascribe/internal/logging"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("provider requires an API key")
)

// StandardPrompt is sent when a prompt-capable provider is given no prompt.
const StandardPrompt = "Describe this image in detail."

// Capability is the static record of what a provider supports. It is the
// only place the orchestrator and any presentation layer look to decide
// how to drive a provider.
type Capability struct {
	Name                  string
	DisplayName           string
	SupportsPrompts       bool
	SupportsCustomPrompts bool
	RequiresAPIKey        bool
	APIKeyEnv             string // environment variable consulted for the key
	DefaultModel          string

	Local     bool // runs on this machine or LAN
	Slow      bool // known-slow local inference, gets the slow timeout
	Serialize bool // backend cannot take concurrent requests
}

// BackendConfig is handed to a Factory on first use.
type BackendConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	Seed       int
	HttpClient *http.Client
	Logger     *slog.Logger
}

// Factory builds a backend. It is called at most once per process per
// provider and may be expensive (model downloads, client sessions).
type Factory func(ctx context.Context, cfg BackendConfig) (describer.Describer, error)

// Registration binds a capability record to its factory.
type Registration struct {
	Capability
	Init Factory
}

type InitOptions struct {
	Endpoints map[string]string // provider name -> server address
	APIKeys   map[string]string // provider name -> key
	Models    map[string]string // provider name -> model, defaults to DefaultModel
	LlamaSeed int

	HttpClient *http.Client // if nil uses http.DefaultClient
	Logger     *slog.Logger
}

// Registry holds one Handle per provider. Constructing it never builds a
// backend.
type Registry struct {
	handles map[string]*Handle
	order   []string
}

// Init returns a registry of the built-in providers.
func Init(hio InitOptions) (*Registry, error) {
	return NewRegistry(hio, builtinProviders...)
}

// NewRegistry returns a registry over regs. Names must be unique.
func NewRegistry(hio InitOptions, regs ...Registration) (*Registry, error) {
	httpClient := hio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := logging.OrDiscard(hio.Logger)

	r := &Registry{handles: make(map[string]*Handle, len(regs))}
	for _, reg := range regs {
		if reg.Name == "" || reg.Init == nil {
			return nil, fmt.Errorf("incomplete registration %q", reg.Name)
		}
		if _, dup := r.handles[reg.Name]; dup {
			return nil, fmt.Errorf("provider %q registered twice", reg.Name)
		}

		model := cmp.Or(hio.Models[reg.Name], reg.DefaultModel)
		apiKey := hio.APIKeys[reg.Name]
		if apiKey == "" && reg.APIKeyEnv != "" {
			apiKey = os.Getenv(reg.APIKeyEnv)
		}
		r.handles[reg.Name] = &Handle{
			cap:     reg.Capability,
			factory: reg.Init,
			cfg: BackendConfig{
				Endpoint:   hio.Endpoints[reg.Name],
				APIKey:     apiKey,
				Model:      model,
				Seed:       hio.LlamaSeed,
				HttpClient: httpClient,
				Logger:     logger.With("provider", reg.Name),
			},
		}
		r.order = append(r.order, reg.Name)
	}

	return r, nil
}

// ListAvailable returns every capability record in registration order.
func (r *Registry) ListAvailable() []Capability {
	caps := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		caps = append(caps, r.handles[name].cap)
	}
	return caps
}

// Names returns the sorted provider names.
func (r *Registry) Names() []string {
	names := slices.Clone(r.order)
	slices.Sort(names)
	return names
}

func (r *Registry) Get(name string) (*Handle, error) {
	h, ok := r.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return h, nil
}

// Handle is the uniform entry point to one provider.
type Handle struct {
	cap     Capability
	cfg     BackendConfig
	factory Factory

	once    sync.Once
	backend describer.Describer
	initErr error

	serial sync.Mutex // held around calls when cap.Serialize
}

// DescribeOptions carries the prompt selection for one call.
type DescribeOptions struct {
	PromptStyle  string
	Prompt       string // text of PromptStyle
	CustomPrompt string
}

// Output is the outcome of a successful Describe.
type Output struct {
	Text        string
	TokenCount  int
	Model       string
	PromptStyle string // empty when the provider takes no prompt
	Prompt      string // prompt actually sent
}

func (h *Handle) Capability() Capability { return h.cap }

func (h *Handle) Model() string { return h.cfg.Model }

// EffectivePrompt applies the capability rules: a provider without prompt
// support gets no prompt, a provider without custom prompt support gets the
// style prompt instead of a custom one.
func (h *Handle) EffectivePrompt(opts DescribeOptions) (prompt, style string) {
	if !h.cap.SupportsPrompts {
		return "", ""
	}
	if opts.CustomPrompt != "" && h.cap.SupportsCustomPrompts {
		return opts.CustomPrompt, cmp.Or(opts.PromptStyle, "custom")
	}
	return cmp.Or(opts.Prompt, StandardPrompt), opts.PromptStyle
}

// Describe sends image to the provider, initializing it on first use.
func (h *Handle) Describe(ctx context.Context, image []byte, opts DescribeOptions) (Output, error) {
	backend, err := h.ensureInit(ctx)
	if err != nil {
		return Output{}, err
	}

	prompt, style := h.EffectivePrompt(opts)

	if h.cap.Serialize {
		h.serial.Lock()
		defer h.serial.Unlock()
	}

	res, err := backend.DescribeImage(ctx, describer.Request{
		Image:  image,
		Prompt: prompt,
		Model:  h.cfg.Model,
	})
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", h.cap.Name, err)
	}

	return Output{
		Text:        res.Text,
		TokenCount:  res.TokenCount,
		Model:       h.cfg.Model,
		PromptStyle: style,
		Prompt:      prompt,
	}, nil
}

// IsHealthy initializes the provider if needed and asks the backend.
func (h *Handle) IsHealthy(ctx context.Context) bool {
	backend, err := h.ensureInit(ctx)
	if err != nil {
		return false
	}
	return backend.IsHealthy(ctx)
}

// ensureInit runs the factory once. A failed initialization is remembered
// and returned to every later caller.
func (h *Handle) ensureInit(ctx context.Context) (describer.Describer, error) {
	h.once.Do(func() {
		if h.cap.RequiresAPIKey && h.cfg.APIKey == "" {
			h.initErr = fmt.Errorf("%s: %w", h.cap.Name, ErrMissingAPIKey)
			return
		}

		h.cfg.Logger.Debug("initializing provider", "model", h.cfg.Model)
		// A per-item deadline must not poison the cached result.
		b, err := h.factory(context.WithoutCancel(ctx), h.cfg)
		if err != nil {
			h.initErr = fmt.Errorf("%s: init: %w", h.cap.Name, err)
			return
		}
		h.backend = b
	})
	return h.backend, h.initErr
}
