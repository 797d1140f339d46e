package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"aigate/internal/domain"
)

// maxErrorBody bounds how much of a failed response body is kept in errors
const maxErrorBody = 4096

// BuildHTTPClient creates an HTTP client with the specified connection settings
func BuildHTTPClient(settings domain.ConnectionSettings) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        settings.MaxIdleConnections,
		MaxIdleConnsPerHost: settings.MaxIdleConnections,
		MaxConnsPerHost:     settings.MaxConnections,
		IdleConnTimeout:     time.Duration(settings.IdleTimeoutSec) * time.Second,
		DisableKeepAlives:   !settings.EnableKeepAlive,
		ForceAttemptHTTP2:   settings.EnableHTTP2,
	}

	return &http.Client{
		Timeout:   time.Duration(settings.RequestTimeoutSec) * time.Second,
		Transport: transport,
	}
}

// buildStreamingHTTPClient mirrors BuildHTTPClient without the overall timeout,
// which would otherwise cut long streams; the caller's context bounds them instead
func buildStreamingHTTPClient(settings domain.ConnectionSettings) *http.Client {
	c := BuildHTTPClient(settings)
	c.Timeout = 0
	return c
}

// jsonRequest is one JSON call to a vendor endpoint
type jsonRequest struct {
	provider domain.Provider
	op       string
	method   string
	url      string
	headers  map[string]string
	payload  any
}

func (r jsonRequest) build(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.payload != nil {
		b, err := json.Marshal(r.payload)
		if err != nil {
			return nil, &domain.ProviderError{
				Kind:     domain.KindClient,
				Provider: r.provider,
				Op:       r.op,
				Err:      fmt.Errorf("marshaling request: %w", err),
			}
		}
		body = bytes.NewReader(b)
	}

	method := r.method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, r.url, body)
	if err != nil {
		return nil, &domain.ProviderError{Kind: domain.KindConfiguration, Provider: r.provider, Op: r.op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range r.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// do sends the request and returns the raw body of a 2xx response.
// Non-2xx statuses and transport failures are classified into ProviderErrors.
func (r jsonRequest) do(ctx context.Context, client *http.Client) ([]byte, error) {
	resp, err := r.open(ctx, client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, r.provider, r.op, fmt.Errorf("reading response: %w", err))
	}
	return raw, nil
}

// open sends the request and returns the response with an unread body on 2xx
func (r jsonRequest) open(ctx context.Context, client *http.Client) (*http.Response, error) {
	httpReq, err := r.build(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, r.provider, r.op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, domain.NewStatusError(r.provider, r.op, resp.StatusCode, string(body))
	}
	return resp, nil
}

// transportError classifies a network failure, passing caller cancellation through unchanged
func transportError(ctx context.Context, provider domain.Provider, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return domain.NewTransportError(provider, op, err)
}

// decodeError reports a 2xx body that is not valid JSON
func decodeError(provider domain.Provider, op string, err error) error {
	return domain.NewTransportError(provider, op, fmt.Errorf("decoding response: %w", err))
}

// mergeParams layers params over the adapter's defaults. The result is a new map.
func mergeParams(defaults map[string]any, params domain.Parameters) map[string]any {
	out := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

// modelFrom returns params["model"] or the fallback
func modelFrom(params domain.Parameters, fallback string) string {
	if m, ok := params.String("model"); ok {
		return m
	}
	return fallback
}

// unsupported supplies the default capability methods; adapters embed it and
// override what they implement
type unsupported struct {
	provider domain.Provider
}

func (u unsupported) ChatStream(ctx context.Context, messages []domain.Message, params domain.Parameters) (domain.Stream, error) {
	return nil, domain.NewUnsupportedError(u.provider, "chat_stream")
}

func (u unsupported) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, domain.NewUnsupportedError(u.provider, "embed")
}

func (u unsupported) GenerateImage(ctx context.Context, prompt string, params domain.Parameters) (*domain.ImageResult, error) {
	return nil, domain.NewUnsupportedError(u.provider, "generate_image")
}
