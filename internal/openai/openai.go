// Package openai describes images with the OpenAI chat completions API or
// any server that speaks it (LM Studio, vLLM).
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chriskillpack/mediascribe/describer"
	"golang.org/x/time/rate"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultPrompt = "Describe this image in detail."

type openai struct {
	name  string
	oac   *oagc.Client
	model string

	rl *rate.Limiter // For requests to the API
}

var _ describer.Describer = &openai{}

type Options struct {
	Name    string // reported by Name, "openai" when empty
	APIKey  string
	BaseURL string // empty for api.openai.com
	Model   string

	// RequestsPerMinute bounds the request rate, 0 disables limiting.
	RequestsPerMinute int

	HttpClient *http.Client
}

func Init(o Options) *openai {
	opts := []option.RequestOption{option.WithHTTPClient(o.HttpClient)}
	if o.APIKey != "" {
		opts = append(opts, option.WithAPIKey(o.APIKey))
	}
	if o.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(o.BaseURL, "/")+"/"))
	}

	name := o.Name
	if name == "" {
		name = "openai"
	}

	rl := rate.NewLimiter(rate.Inf, 0)
	if o.RequestsPerMinute > 0 {
		rl = rate.NewLimiter(rate.Every(time.Minute/time.Duration(o.RequestsPerMinute)), 1)
	}

	return &openai{
		name:  name,
		oac:   oagc.NewClient(opts...),
		model: o.Model,
		rl:    rl,
	}
}

func (o *openai) Name() string { return o.name }

func (o *openai) IsHealthy(ctx context.Context) bool {
	_, err := o.oac.Models.Get(ctx, o.model)
	return err == nil
}

func (o *openai) DescribeImage(ctx context.Context, r describer.Request) (describer.Result, error) {
	// Rate limit use of the API
	if err := o.rl.Wait(ctx); err != nil {
		return describer.Result{}, err
	}

	prompt := r.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	model := r.Model
	if model == "" {
		model = o.model
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(r.Image)
	params := oagc.ChatCompletionNewParams{
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(prompt),
				oagc.ImagePart(dataURL),
			),
		}),
		Model: oagc.F(oagc.ChatModel(model)),
	}
	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return describer.Result{}, err
	}
	if len(resp.Choices) == 0 {
		return describer.Result{}, fmt.Errorf("no choices in response")
	}

	return describer.Result{
		Text:       strings.TrimSpace(resp.Choices[0].Message.Content),
		TokenCount: int(resp.Usage.TotalTokens),
	}, nil
}
