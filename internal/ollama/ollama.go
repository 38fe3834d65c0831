// Package ollama talks to a local ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/chriskillpack/mediascribe/describer"
	"github.com/chriskillpack/mediascribe/internal/logging"
)

const defaultPrompt = "Describe this image."

type ollama struct {
	srvAddr string
	model   string

	client *http.Client
	logger *slog.Logger
}

var _ describer.Describer = &ollama{}

// Init connects to the server at srvAddr and makes sure model is available,
// pulling it if the server does not have it yet. Pulling can download
// several gigabytes.
func Init(ctx context.Context, model, srvAddr string, httpClient *http.Client, logger *slog.Logger) (*ollama, error) {
	o := &ollama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		model:   model,
		client:  httpClient,
		logger:  logging.OrDiscard(logger),
	}

	have, err := o.hasModel(ctx)
	if err != nil {
		return nil, err
	}
	if !have {
		o.logger.Info("pulling model", "model", model)
		if err := o.pull(ctx); err != nil {
			return nil, fmt.Errorf("pull %s: %w", model, err)
		}
	}

	return o, nil
}

func (o *ollama) Name() string { return "ollama" }

func (o *ollama) IsHealthy(ctx context.Context) bool {
	_, err := o.hasModel(ctx)
	return err == nil
}

func (o *ollama) DescribeImage(ctx context.Context, r describer.Request) (describer.Result, error) {
	prompt := r.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}
	model := r.Model
	if model == "" {
		model = o.model
	}

	var resp struct {
		Response  string `json:"response"`
		EvalCount int    `json:"eval_count"`
	}
	err := o.post(ctx, "/api/generate", map[string]any{
		"model":  model,
		"prompt": prompt,
		"images": []string{base64.StdEncoding.EncodeToString(r.Image)},
		"stream": false,
	}, &resp)
	if err != nil {
		return describer.Result{}, err
	}

	return describer.Result{
		Text:       strings.TrimSpace(resp.Response),
		TokenCount: resp.EvalCount,
	}, nil
}

func (o *ollama) hasModel(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.srvAddr+"/api/tags", nil)
	if err != nil {
		return false, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("ollama returned %s", resp.Status)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, err
	}
	for _, m := range tags.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return true, nil
		}
	}
	return false, nil
}

// pull downloads the model. A pull can take far longer than any request
// timeout, so it runs on a client without one, streams progress and is
// bounded only by ctx.
func (o *ollama) pull(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{"model": o.model, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := *o.client
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama /api/pull returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var last string
	dec := json.NewDecoder(resp.Body)
	for {
		var p struct {
			Status    string `json:"status"`
			Error     string `json:"error"`
			Total     int64  `json:"total"`
			Completed int64  `json:"completed"`
		}
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if p.Error != "" {
			return errors.New(p.Error)
		}
		if p.Status != last {
			o.logger.Debug("pull progress", "model", o.model, "status", p.Status, "completed", p.Completed, "total", p.Total)
			last = p.Status
		}
	}
	if last != "success" {
		return fmt.Errorf("pull ended with status %q", last)
	}
	return nil
}

func (o *ollama) post(ctx context.Context, path string, body any, out any) error {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.srvAddr+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama %s returned %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
