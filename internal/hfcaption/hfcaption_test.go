package hfcaption

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/chriskillpack/mediascribe/describer"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	endpoint = "https://hf.test/models"
	model    = "Salesforce/blip-image-captioning-large"
)

func TestDescribeImage(t *testing.T) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("POST", endpoint+"/"+model, func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer hf_token" {
			return httpmock.NewStringResponse(http.StatusUnauthorized, "bad token"), nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if string(body) != "jpeg" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad image"), nil
		}
		return httpmock.NewJsonResponse(http.StatusOK, []map[string]string{
			{"generated_text": " a cat sitting on a windowsill "},
		})
	})

	h := Init(endpoint+"/", model, "hf_token", &http.Client{Transport: mt})
	assert.Equal(t, "hfcaption", h.Name())

	res, err := h.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg"), Prompt: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "a cat sitting on a windowsill", res.Text)
}

func TestDescribeImageErrors(t *testing.T) {
	cases := []struct {
		name      string
		responder httpmock.Responder
		want      string
	}{
		{"unauthorized", httpmock.NewStringResponder(http.StatusUnauthorized, "bad token"), "bad token"},
		{"loading", httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"error":"Model is currently loading"}`), "currently loading"},
		{"empty", httpmock.NewJsonResponderOrPanic(http.StatusOK, []map[string]string{}), "empty caption"},
		{"blank", httpmock.NewJsonResponderOrPanic(http.StatusOK, []map[string]string{{"generated_text": ""}}), "empty caption"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mt := httpmock.NewMockTransport()
			mt.RegisterResponder("POST", endpoint+"/"+model, tc.responder)

			h := Init(endpoint, model, "hf_token", &http.Client{Transport: mt})
			_, err := h.DescribeImage(context.Background(), describer.Request{Image: []byte("jpeg")})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestIsHealthy(t *testing.T) {
	mt := httpmock.NewMockTransport()
	h := Init(endpoint, model, "hf_token", &http.Client{Transport: mt})

	mt.RegisterResponder("GET", endpoint+"/"+model, httpmock.NewStringResponder(http.StatusMethodNotAllowed, ""))
	assert.True(t, h.IsHealthy(context.Background()))

	mt.RegisterResponder("GET", endpoint+"/"+model, httpmock.NewStringResponder(http.StatusBadGateway, ""))
	assert.False(t, h.IsHealthy(context.Background()))
}

func TestDefaultEndpoint(t *testing.T) {
	h := Init("", model, "", http.DefaultClient)
	assert.Equal(t, DefaultEndpoint+model, h.endpoint+h.model)
}
