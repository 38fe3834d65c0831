// Package gemini describes images with Gemini models on Vertex AI.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/chriskillpack/mediascribe/describer"
)

const (
	defaultLocation = "us-central1"
	defaultPrompt   = "Describe this image in detail."
)

type gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

var _ describer.Describer = &gemini{}

// Init creates the Vertex AI client. Credentials come from the
// environment (application default credentials).
func Init(ctx context.Context, projectID, location, model string) (*gemini, error) {
	if projectID == "" {
		return nil, fmt.Errorf("no Google Cloud project configured")
	}
	if location == "" {
		location = defaultLocation
	}

	client, err := genai.NewClient(ctx, projectID, location)
	if err != nil {
		return nil, err
	}

	return &gemini{
		client: client,
		model:  client.GenerativeModel(model),
	}, nil
}

// ParseEndpoint splits "project/location" into its parts.
func ParseEndpoint(endpoint string) (project, location string) {
	project, location, _ = strings.Cut(endpoint, "/")
	return project, location
}

func (g *gemini) Name() string { return "gemini" }

// IsHealthy counts the tokens of a tiny prompt, which reaches the model
// endpoint without generating anything.
func (g *gemini) IsHealthy(ctx context.Context) bool {
	_, err := g.model.CountTokens(ctx, genai.Text("ping"))
	return err == nil
}

func (g *gemini) DescribeImage(ctx context.Context, r describer.Request) (describer.Result, error) {
	prompt := r.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	resp, err := g.model.GenerateContent(ctx, genai.ImageData("jpeg", r.Image), genai.Text(prompt))
	if err != nil {
		return describer.Result{}, err
	}

	return responseResult(resp)
}

// responseResult takes the text parts of the first candidate with content.
func responseResult(resp *genai.GenerateContentResponse) (describer.Result, error) {
	var sb strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
		break
	}
	if sb.Len() == 0 {
		return describer.Result{}, fmt.Errorf("empty response")
	}

	res := describer.Result{Text: strings.TrimSpace(sb.String())}
	if resp.UsageMetadata != nil {
		res.TokenCount = int(resp.UsageMetadata.TotalTokenCount)
	}
	return res, nil
}
