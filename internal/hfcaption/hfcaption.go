// Package hfcaption captions images with a Hugging Face image-to-text
// model. Captioning models take no instruction, only the image.
package hfcaption

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chriskillpack/mediascribe/describer"
)

const DefaultEndpoint = "https://api-inference.huggingface.co/models/"

type hfcaption struct {
	endpoint string
	model    string
	token    string

	client *http.Client
}

var _ describer.Describer = &hfcaption{}

func Init(endpoint, model, token string, httpClient *http.Client) *hfcaption {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &hfcaption{
		endpoint: strings.TrimRight(endpoint, "/") + "/",
		model:    model,
		token:    token,
		client:   httpClient,
	}
}

func (h *hfcaption) Name() string { return "hfcaption" }

func (h *hfcaption) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+h.model, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// DescribeImage ignores r.Prompt.
func (h *hfcaption) DescribeImage(ctx context.Context, r describer.Request) (describer.Result, error) {
	model := r.Model
	if model == "" {
		model = h.model
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+model, bytes.NewReader(r.Image))
	if err != nil {
		return describer.Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := h.client.Do(req)
	if err != nil {
		return describer.Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return describer.Result{}, fmt.Errorf("hugging face returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var out []struct {
		GeneratedText string `json:"generated_text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return describer.Result{}, err
	}
	if len(out) == 0 || out[0].GeneratedText == "" {
		return describer.Result{}, fmt.Errorf("empty caption")
	}

	return describer.Result{Text: strings.TrimSpace(out[0].GeneratedText)}, nil
}
