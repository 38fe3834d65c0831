package llama

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/chriskillpack/mediascribe/describer"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const srv = "http://llama.test:8080"

func TestDescribeImage(t *testing.T) {
	mt := httpmock.NewMockTransport()

	var got map[string]any
	mt.RegisterResponder("POST", srv+"/completion", func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK,
			`{"content":" A red barn","stop":false}`+"\n\n"+
				`{"content":" in a field.","stop":true,"tokens_predicted":12}`+"\n"), nil
	})

	l := Init(srv+"/", 42, &http.Client{Transport: mt})
	res, err := l.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg")})
	require.NoError(t, err)
	assert.Equal(t, describer.Result{Text: "A red barn in a field.", TokenCount: 12}, res)

	assert.EqualValues(t, 42, got["seed"])
	assert.Equal(t, false, got["stream"])
	assert.Contains(t, got["prompt"], "[img-10]"+defaultInstruction)
	require.Len(t, got["image_data"], 1)
}

func TestDescribeImageCustomPrompt(t *testing.T) {
	mt := httpmock.NewMockTransport()

	var prompt string
	mt.RegisterResponder("POST", srv+"/completion", func(req *http.Request) (*http.Response, error) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, err
		}
		prompt = body.Prompt
		return httpmock.NewStringResponse(http.StatusOK, `{"content":"ok","stop":true}`), nil
	})

	l := Init(srv, 0, &http.Client{Transport: mt})
	_, err := l.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg"), Prompt: "count the birds"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "[img-10]count the birds")
	assert.NotContains(t, prompt, defaultInstruction)
}

func TestDescribeImageTruncated(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("POST", srv+"/completion",
		httpmock.NewStringResponder(http.StatusOK, `{"content":"half","stop":false}`))

	l := Init(srv, 0, &http.Client{Transport: mt})
	_, err := l.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg")})
	assert.ErrorContains(t, err, "response ended before stop")
}

func TestDescribeImageServerError(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("POST", srv+"/completion", httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	l := Init(srv, 0, &http.Client{Transport: mt})
	_, err := l.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg")})
	assert.ErrorContains(t, err, "llama server returned")
}

func TestIsHealthy(t *testing.T) {
	mt := httpmock.NewMockTransport()
	l := Init(srv, 0, &http.Client{Transport: mt})

	mt.RegisterResponder("GET", srv+"/health", httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))
	assert.True(t, l.IsHealthy(context.Background()))

	mt.RegisterResponder("GET", srv+"/health", httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"loading model"}`))
	assert.False(t, l.IsHealthy(context.Background()))
}
