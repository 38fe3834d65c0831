package mediascribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chriskillpack/mediascribe/describer"
)

type recordingBackend struct {
	mu      sync.Mutex
	prompts []string

	active    atomic.Int32
	maxActive atomic.Int32
	hold      time.Duration
}

func (b *recordingBackend) Name() string                       { return "recording" }
func (b *recordingBackend) IsHealthy(ctx context.Context) bool { return true }

func (b *recordingBackend) DescribeImage(ctx context.Context, r describer.Request) (describer.Result, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxActive.Load()
		if n <= m || b.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(b.hold)

	b.mu.Lock()
	b.prompts = append(b.prompts, r.Prompt)
	b.mu.Unlock()
	return describer.Result{Text: "prompt=" + r.Prompt}, nil
}

func testRegistry(t *testing.T, caps Capability, b describer.Describer, inits *atomic.Int32, initErr error) *Handle {
	t.Helper()
	r, err := NewRegistry(InitOptions{}, Registration{
		Capability: caps,
		Init: func(ctx context.Context, cfg BackendConfig) (describer.Describer, error) {
			inits.Add(1)
			if initErr != nil {
				return nil, initErr
			}
			return b, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	h, err := r.Get(caps.Name)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestRegistryDoesNotInitOnConstruction(t *testing.T) {
	var inits atomic.Int32
	h := testRegistry(t, Capability{Name: "p", SupportsPrompts: true}, &recordingBackend{}, &inits, nil)
	if inits.Load() != 0 {
		t.Fatalf("Expected no initialization before first use, got %d", inits.Load())
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Describe(t.Context(), []byte("img"), DescribeOptions{}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if expected, actual := int32(1), inits.Load(); expected != actual {
		t.Errorf("Expected %d initialization, got %d", expected, actual)
	}
}

func TestRegistryCachesInitFailure(t *testing.T) {
	var inits atomic.Int32
	boom := errors.New("model download failed")
	h := testRegistry(t, Capability{Name: "p"}, nil, &inits, boom)

	for range 3 {
		_, err := h.Describe(t.Context(), []byte("img"), DescribeOptions{})
		if !errors.Is(err, boom) {
			t.Errorf("Expected init error, got %v", err)
		}
	}
	if inits.Load() != 1 {
		t.Errorf("Expected a single init attempt, got %d", inits.Load())
	}
}

func TestRegistryMissingAPIKey(t *testing.T) {
	var inits atomic.Int32
	h := testRegistry(t, Capability{Name: "p", RequiresAPIKey: true}, &recordingBackend{}, &inits, nil)

	_, err := h.Describe(t.Context(), []byte("img"), DescribeOptions{})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("Expected ErrMissingAPIKey, got %v", err)
	}
	if inits.Load() != 0 {
		t.Errorf("Expected factory not to run without a key")
	}
}

func TestPromptIgnoredWithoutPromptSupport(t *testing.T) {
	var inits atomic.Int32
	b := &recordingBackend{}
	h := testRegistry(t, Capability{Name: "caption"}, b, &inits, nil)

	withPrompt, err := h.Describe(t.Context(), []byte("img"), DescribeOptions{
		PromptStyle:  "detailed",
		Prompt:       "Describe everything",
		CustomPrompt: "Write a haiku",
	})
	if err != nil {
		t.Fatal(err)
	}
	without, err := h.Describe(t.Context(), []byte("img"), DescribeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if withPrompt != without {
		t.Errorf("Expected identical output, got %+v and %+v", withPrompt, without)
	}
	if withPrompt.PromptStyle != "" {
		t.Errorf("Expected no prompt style, got %q", withPrompt.PromptStyle)
	}
	for _, p := range b.prompts {
		if p != "" {
			t.Errorf("Expected backend to see no prompt, got %q", p)
		}
	}
}

func TestCustomPromptFallsBackToStyle(t *testing.T) {
	tests := []struct {
		name      string
		custom    bool
		opts      DescribeOptions
		expPrompt string
		expStyle  string
	}{
		{"custom supported", true, DescribeOptions{PromptStyle: "concise", Prompt: "Be brief", CustomPrompt: "Haiku"}, "Haiku", "concise"},
		{"custom unsupported", false, DescribeOptions{PromptStyle: "concise", Prompt: "Be brief", CustomPrompt: "Haiku"}, "Be brief", "concise"},
		{"no prompt at all", false, DescribeOptions{}, StandardPrompt, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inits atomic.Int32
			h := testRegistry(t, Capability{Name: "p", SupportsPrompts: true, SupportsCustomPrompts: tt.custom}, &recordingBackend{}, &inits, nil)
			out, err := h.Describe(t.Context(), []byte("img"), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if out.Prompt != tt.expPrompt || out.PromptStyle != tt.expStyle {
				t.Errorf("Expected prompt %q style %q, got %q %q", tt.expPrompt, tt.expStyle, out.Prompt, out.PromptStyle)
			}
		})
	}
}

func TestSerializedProvider(t *testing.T) {
	for _, serialize := range []bool{true, false} {
		var inits atomic.Int32
		b := &recordingBackend{hold: 20 * time.Millisecond}
		h := testRegistry(t, Capability{Name: "p", Serialize: serialize}, b, &inits, nil)

		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Describe(t.Context(), []byte("img"), DescribeOptions{})
			}()
		}
		wg.Wait()

		if serialize && b.maxActive.Load() != 1 {
			t.Errorf("Expected serialized calls, saw %d concurrent", b.maxActive.Load())
		}
		if !serialize && b.maxActive.Load() < 2 {
			t.Errorf("Expected concurrent calls, saw %d", b.maxActive.Load())
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := Init(InitOptions{Models: map[string]string{"ollama": "llava:13b"}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Expected ErrUnknownProvider, got %v", err)
	}

	h, err := r.Get("ollama")
	if err != nil {
		t.Fatal(err)
	}
	if h.Model() != "llava:13b" {
		t.Errorf("Expected model override, got %q", h.Model())
	}

	caps := r.ListAvailable()
	if len(caps) != len(builtinProviders) {
		t.Errorf("Expected %d providers, got %d", len(builtinProviders), len(caps))
	}
	seen := map[string]bool{}
	for _, c := range caps {
		if seen[c.Name] {
			t.Errorf("Duplicate provider %q", c.Name)
		}
		seen[c.Name] = true
		if c.DefaultModel == "" || c.DisplayName == "" {
			t.Errorf("Incomplete capability %+v", c)
		}
	}

	if _, err := NewRegistry(InitOptions{}, builtinProviders[0], builtinProviders[0]); err == nil {
		t.Errorf("Expected duplicate registration to fail")
	}
}
