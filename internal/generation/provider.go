package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/rest"
)

const (
	DefaultEndpoint = "https://api.together.xyz/v1/images/generations"
	DefaultModel    = "black-forest-labs/FLUX.1-schnell-Free"
	DefaultWidth    = 768
	DefaultHeight   = 768
	DefaultSteps    = 4
	DefaultTimeout  = 60 * time.Second
)

type Request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Steps  int    `json:"steps"`
	N      int    `json:"n"`
}

// Provider creates images for a request using the given API key.
type Provider interface {
	CreateImages(ctx context.Context, req Request, apiKey string) ([]string, error)
}

// UpstreamError is a non-2xx answer from the provider.
type UpstreamError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message)
}

// Rejected reports whether the provider refused the credential itself
// (authorization or quota) rather than failing the request.
func (e *UpstreamError) Rejected() bool {
	return e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.StatusCode == http.StatusPaymentRequired ||
		e.StatusCode == http.StatusTooManyRequests
}

type imagesResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

type errorResponse struct {
	Error json.RawMessage `json:"error"`
}

// TogetherProvider talks to a Together-style images endpoint.
type TogetherProvider struct {
	endpoint string
	client   *rest.Client
}

func NewTogetherProvider(endpoint string, httpClient *http.Client) *TogetherProvider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &TogetherProvider{
		endpoint: endpoint,
		client:   &rest.Client{HTTPClient: httpClient},
	}
}

func (p *TogetherProvider) CreateImages(ctx context.Context, req Request, apiKey string) ([]string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := p.client.SendWithContext(ctx, rest.Request{
		Method:  rest.Post,
		BaseURL: p.endpoint,
		Headers: map[string]string{
			"Authorization": "Bearer " + apiKey,
			"Content-Type":  "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseUpstreamError(resp)
	}

	var decoded imagesResponse
	if err := json.Unmarshal([]byte(resp.Body), &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	urls := make([]string, 0, len(decoded.Data))
	for _, d := range decoded.Data {
		switch {
		case d.URL != "":
			urls = append(urls, d.URL)
		case d.B64JSON != "":
			urls = append(urls, "data:image/png;base64,"+d.B64JSON)
		}
	}

	return urls, nil
}

// parseUpstreamError accepts both {"error": "text"} and
// {"error": {"message": ..., "code": ...}} bodies.
func parseUpstreamError(resp *rest.Response) *UpstreamError {
	upstreamErr := &UpstreamError{StatusCode: resp.StatusCode}

	var body errorResponse
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil || len(body.Error) == 0 {
		upstreamErr.Message = strings.TrimSpace(resp.Body)
		if upstreamErr.Message == "" {
			upstreamErr.Message = http.StatusText(resp.StatusCode)
		}
		return upstreamErr
	}

	var text string
	if err := json.Unmarshal(body.Error, &text); err == nil {
		upstreamErr.Message = text
		return upstreamErr
	}

	var detail struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body.Error, &detail); err == nil {
		upstreamErr.Message = detail.Message
		switch code := detail.Code.(type) {
		case string:
			upstreamErr.Code = code
		case float64:
			upstreamErr.Code = fmt.Sprintf("%.0f", code)
		}
		if upstreamErr.Code == "" {
			upstreamErr.Code = detail.Type
		}
	}
	if upstreamErr.Message == "" {
		upstreamErr.Message = http.StatusText(resp.StatusCode)
	}

	return upstreamErr
}
