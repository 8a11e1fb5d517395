package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTogetherProvider_CreateImages(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"url":"https://img.example/1.png"},{"url":"","b64_json":"aGVsbG8="}]}`))
	}))
	defer server.Close()

	provider := NewTogetherProvider(server.URL, server.Client())
	req := Request{Model: DefaultModel, Prompt: "a red fox", Width: 768, Height: 768, Steps: 4, N: 2}

	urls, err := provider.CreateImages(context.Background(), req, "secret-key")

	require.NoError(t, err)
	assert.Equal(t, []string{"https://img.example/1.png", "data:image/png;base64,aGVsbG8="}, urls)
	assert.Equal(t, req, received)
}

func TestTogetherProvider_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		message  string
		code     string
		rejected bool
	}{
		{
			name:     "string error",
			status:   http.StatusTooManyRequests,
			body:     `{"error":"rate limit exceeded"}`,
			message:  "rate limit exceeded",
			rejected: true,
		},
		{
			name:     "object error",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"invalid api key","code":"invalid_api_key"}}`,
			message:  "invalid api key",
			code:     "invalid_api_key",
			rejected: true,
		},
		{
			name:    "numeric code falls back",
			status:  http.StatusBadRequest,
			body:    `{"error":{"message":"bad prompt","code":400}}`,
			message: "bad prompt",
			code:    "400",
		},
		{
			name:    "plain text body",
			status:  http.StatusBadGateway,
			body:    "upstream exploded",
			message: "upstream exploded",
		},
		{
			name:    "empty body",
			status:  http.StatusInternalServerError,
			body:    "",
			message: "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			provider := NewTogetherProvider(server.URL, server.Client())
			_, err := provider.CreateImages(context.Background(), Request{Prompt: "x", N: 1}, "k")

			var upstreamErr *UpstreamError
			require.True(t, errors.As(err, &upstreamErr))
			assert.Equal(t, tt.status, upstreamErr.StatusCode)
			assert.Equal(t, tt.message, upstreamErr.Message)
			assert.Equal(t, tt.code, upstreamErr.Code)
			assert.Equal(t, tt.rejected, upstreamErr.Rejected())
		})
	}
}

func TestTogetherProvider_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer server.Close()

	provider := NewTogetherProvider(server.URL, server.Client())
	_, err := provider.CreateImages(context.Background(), Request{Prompt: "x", N: 1}, "k")

	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestTogetherProvider_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	provider := NewTogetherProvider(server.URL, server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := provider.CreateImages(ctx, Request{Prompt: "x", N: 1}, "k")

	assert.Error(t, err)
}

func TestUpstreamError_Error(t *testing.T) {
	assert.Equal(t, "upstream returned 500: boom", (&UpstreamError{StatusCode: 500, Message: "boom"}).Error())
	assert.Equal(t, "upstream returned 401 (auth): no", (&UpstreamError{StatusCode: 401, Code: "auth", Message: "no"}).Error())
}
