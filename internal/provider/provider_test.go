package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aigate/internal/config"
	"aigate/internal/domain"
)

// capture records the last request received by a test server
type capture struct {
	method string
	path   string
	query  string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, status int, response string, got *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			got.method = r.Method
			got.path = r.URL.Path
			got.query = r.URL.RawQuery
			got.header = r.Header.Clone()
			raw, _ := io.ReadAll(r.Body)
			got.body = nil
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &got.body); err != nil {
					t.Errorf("request body is not JSON: %v", err)
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func userMessages(text string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: text}}
}

func drain(t *testing.T, s domain.Stream) []string {
	t.Helper()
	var chunks []string
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestOpenAIChatComplete(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"Hello there"}}]}`, &got)

	client, err := NewOpenAIClient(ClientOptions{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewOpenAIClient() error = %v", err)
	}

	resp, err := client.ChatComplete(context.Background(), userMessages("hi"), domain.Parameters{"temperature": 0.2, "stream": true})
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}

	if resp.Text() != "Hello there" {
		t.Errorf("content = %q, want %q", resp.Text(), "Hello there")
	}
	if got.path != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", got.path)
	}
	if got.header.Get("Authorization") != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got.header.Get("Authorization"))
	}
	if got.body["model"] != "gpt-3.5-turbo" {
		t.Errorf("model = %v, want gpt-3.5-turbo", got.body["model"])
	}
	if got.body["temperature"] != 0.2 {
		t.Errorf("temperature = %v, want 0.2 (params override defaults)", got.body["temperature"])
	}
	if got.body["max_tokens"] != float64(1000) {
		t.Errorf("max_tokens = %v, want 1000", got.body["max_tokens"])
	}
	if _, ok := got.body["stream"]; ok {
		t.Error("stream must not be sent on a non-streaming call")
	}
	msgs, _ := got.body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v, want 1 message", got.body["messages"])
	}
	if string(resp.Raw) == "" {
		t.Error("raw payload should be preserved")
	}
}

func TestOpenAIChatComplete_ModelOverrideAndNullContent(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"choices":[{"message":{"content":null,"tool_calls":[]}}]}`, &got)
	client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	resp, err := client.ChatComplete(context.Background(), userMessages("hi"), domain.Parameters{"model": "gpt-4"})
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}
	if resp.Content != nil {
		t.Errorf("content = %q, want nil", *resp.Content)
	}
	if got.body["model"] != "gpt-4" {
		t.Errorf("model = %v, want gpt-4", got.body["model"])
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   domain.ErrorKind
		target error
	}{
		{http.StatusBadRequest, domain.KindClient, domain.ErrClient},
		{http.StatusUnauthorized, domain.KindClient, domain.ErrClient},
		{http.StatusTooManyRequests, domain.KindRateLimited, domain.ErrRateLimited},
		{http.StatusInternalServerError, domain.KindTransient, domain.ErrTransient},
		{http.StatusBadGateway, domain.KindTransient, domain.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newServer(t, tt.status, `{"error":"nope"}`, nil)
			client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

			_, err := client.ChatComplete(context.Background(), userMessages("hi"), nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if domain.KindOf(err) != tt.kind {
				t.Errorf("kind = %q, want %q", domain.KindOf(err), tt.kind)
			}
			if !errors.Is(err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.target)
			}
			var pe *domain.ProviderError
			if errors.As(err, &pe) && pe.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", pe.StatusCode, tt.status)
			}
		})
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: url})
	_, err := client.ChatComplete(context.Background(), userMessages("hi"), nil)
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	body := strings.Join([]string{
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`: keep-alive`,
		`data: not json`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	var got capture
	srv := newServer(t, http.StatusOK, body, &got)
	client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	stream, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	defer stream.Close()

	chunks := drain(t, stream)
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Errorf("chunks = %v, want [Hel lo]", chunks)
	}
	if got.body["stream"] != true {
		t.Errorf("stream = %v, want true", got.body["stream"])
	}

	// exhausted streams keep reporting the end
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}
}

func TestStreamClose(t *testing.T) {
	srv := newServer(t, http.StatusOK, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n", nil)
	client, _ := NewGroqClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	stream, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := stream.Next(); !errors.Is(err, domain.ErrStreamClosed) {
		t.Errorf("Next() after Close = %v, want ErrStreamClosed", err)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestChatStream_InitiationError(t *testing.T) {
	srv := newServer(t, http.StatusServiceUnavailable, `overloaded`, nil)
	client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	_, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if !errors.Is(err, domain.ErrTransient) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestGroqDefaults(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"choices":[{"message":{"content":"fast"}}]}`, &got)
	client, _ := NewGroqClient(ClientOptions{APIKey: "gsk", BaseURL: srv.URL})

	resp, err := client.ChatComplete(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}
	if resp.Text() != "fast" {
		t.Errorf("content = %q", resp.Text())
	}
	if got.body["model"] != "mixtral-8x7b-32768" {
		t.Errorf("model = %v", got.body["model"])
	}
	if got.body["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v, want 1024", got.body["max_tokens"])
	}
	if client.Provider() != domain.ProviderGroq {
		t.Errorf("Provider() = %q", client.Provider())
	}
	if _, err := client.Embed(context.Background(), "x"); !domain.IsUnsupported(err) {
		t.Errorf("Embed() err = %v, want unsupported", err)
	}
}

func TestAnthropicChatComplete(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"content":[{"type":"text","text":"Bonjour"}]}`, &got)
	client, _ := NewAnthropicClient(ClientOptions{APIKey: "sk-ant", BaseURL: srv.URL})

	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "Be terse."},
		{Role: domain.RoleUser, Content: "hello"},
	}
	resp, err := client.ChatComplete(context.Background(), msgs, nil)
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}

	if resp.Text() != "Bonjour" {
		t.Errorf("content = %q", resp.Text())
	}
	if got.path != "/messages" {
		t.Errorf("path = %q", got.path)
	}
	if got.header.Get("x-api-key") != "sk-ant" {
		t.Errorf("x-api-key = %q", got.header.Get("x-api-key"))
	}
	if got.header.Get("anthropic-version") != "2023-06-01" {
		t.Errorf("anthropic-version = %q", got.header.Get("anthropic-version"))
	}
	if got.body["model"] != "claude-3-opus-20240229" {
		t.Errorf("model = %v", got.body["model"])
	}
	if got.body["max_tokens"] != float64(1024) {
		t.Errorf("max_tokens = %v", got.body["max_tokens"])
	}
	if got.body["system"] != "Be terse." {
		t.Errorf("system = %v", got.body["system"])
	}
	if turns, _ := got.body["messages"].([]any); len(turns) != 1 {
		t.Errorf("messages = %v, want only the user turn", got.body["messages"])
	}
}

func TestAnthropicWithoutSystemMessage(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"content":[]}`, &got)
	client, _ := NewAnthropicClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	resp, err := client.ChatComplete(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}
	if resp.Content != nil {
		t.Error("empty content list should give nil content")
	}
	if _, ok := got.body["system"]; ok {
		t.Error("system must be omitted when no system message is present")
	}
}

func TestAnthropicChatStream(t *testing.T) {
	body := strings.Join([]string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hi"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" you"}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	srv := newServer(t, http.StatusOK, body, nil)
	client, _ := NewAnthropicClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	stream, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	defer stream.Close()

	if got := strings.Join(drain(t, stream), ""); got != "Hi you" {
		t.Errorf("stream text = %q, want %q", got, "Hi you")
	}
}

func TestGeminiChatComplete(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"from gemini"}]}}]}`, &got)
	client, _ := NewGeminiClient(ClientOptions{APIKey: "g-key", BaseURL: srv.URL})

	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, Content: "a"},
	}
	resp, err := client.ChatComplete(context.Background(), msgs, domain.Parameters{"max_tokens": 50})
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}

	if resp.Text() != "from gemini" {
		t.Errorf("content = %q", resp.Text())
	}
	if got.path != "/models/gemini-pro:generateContent" {
		t.Errorf("path = %q", got.path)
	}
	if got.query != "key=g-key" {
		t.Errorf("query = %q", got.query)
	}

	contents, _ := got.body["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %v", got.body["contents"])
	}
	wantRoles := []string{"user", "user", "model"}
	for i, c := range contents {
		role := c.(map[string]any)["role"]
		if role != wantRoles[i] {
			t.Errorf("contents[%d].role = %v, want %s", i, role, wantRoles[i])
		}
	}

	gen, _ := got.body["generationConfig"].(map[string]any)
	if gen["temperature"] != 0.7 || gen["maxOutputTokens"] != float64(50) {
		t.Errorf("generationConfig = %v", gen)
	}
}

func TestGeminiStreamingUnsupported(t *testing.T) {
	client, _ := NewGeminiClient(ClientOptions{APIKey: "k"})
	if client.Capabilities().Streaming {
		t.Error("Gemini should not report streaming")
	}
	_, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
}

func TestOllamaChatComplete(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"message":{"role":"assistant","content":"local reply"},"done":true}`, &got)
	client, _ := NewOllamaClient(ClientOptions{BaseURL: srv.URL})

	resp, err := client.ChatComplete(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}
	if resp.Text() != "local reply" {
		t.Errorf("content = %q", resp.Text())
	}
	if got.path != "/api/chat" {
		t.Errorf("path = %q", got.path)
	}
	if got.body["stream"] != false || got.body["model"] != "llama3" {
		t.Errorf("body = %v", got.body)
	}
	if got.header.Get("Authorization") != "" {
		t.Error("ollama must not send credentials")
	}
}

func TestOllamaChatComplete_StreamParamOverridden(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"message":{"role":"assistant","content":"ok"},"done":true}`, &got)
	client, _ := NewOllamaClient(ClientOptions{BaseURL: srv.URL})

	_, err := client.ChatComplete(context.Background(), userMessages("hi"),
		domain.Parameters{"stream": true, "temperature": 0.1, "model": "mistral"})
	if err != nil {
		t.Fatalf("ChatComplete() error = %v", err)
	}
	if got.body["stream"] != false {
		t.Errorf("stream = %v, want false for a non-streaming call", got.body["stream"])
	}
	if got.body["temperature"] != 0.1 || got.body["model"] != "mistral" {
		t.Errorf("caller parameters lost: %v", got.body)
	}
}

func TestOllamaChatStream(t *testing.T) {
	body := strings.Join([]string{
		`{"message":{"content":"one "},"done":false}`,
		`garbage`,
		`{"message":{"content":"two"},"done":false}`,
		`{"message":{"content":""},"done":true}`,
	}, "\n")
	srv := newServer(t, http.StatusOK, body, nil)
	client, _ := NewOllamaClient(ClientOptions{BaseURL: srv.URL})

	stream, err := client.ChatStream(context.Background(), userMessages("hi"), nil)
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	defer stream.Close()

	if got := strings.Join(drain(t, stream), ""); got != "one two" {
		t.Errorf("stream text = %q", got)
	}
}

func TestEmbeddings(t *testing.T) {
	tests := []struct {
		name     string
		response string
		path     string
		build    func(url string) domain.LLMClient
	}{
		{
			name:     "openai",
			response: `{"data":[{"embedding":[0.1,0.2,0.3]}]}`,
			path:     "/embeddings",
			build: func(url string) domain.LLMClient {
				c, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: url})
				return c
			},
		},
		{
			name:     "google",
			response: `{"embedding":{"values":[0.1,0.2,0.3]}}`,
			path:     "/models/embedding-001:embedContent",
			build: func(url string) domain.LLMClient {
				c, _ := NewGeminiClient(ClientOptions{APIKey: "k", BaseURL: url})
				return c
			},
		},
		{
			name:     "ollama",
			response: `{"embedding":[0.1,0.2,0.3]}`,
			path:     "/api/embeddings",
			build: func(url string) domain.LLMClient {
				c, _ := NewOllamaClient(ClientOptions{BaseURL: url})
				return c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got capture
			srv := newServer(t, http.StatusOK, tt.response, &got)
			client := tt.build(srv.URL)

			if !client.Capabilities().Embedding {
				t.Error("Capabilities().Embedding = false")
			}
			vec, err := client.Embed(context.Background(), "hello")
			if err != nil {
				t.Fatalf("Embed() error = %v", err)
			}
			if len(vec) != 3 || vec[1] != float32(0.2) {
				t.Errorf("vector = %v", vec)
			}
			if got.path != tt.path {
				t.Errorf("path = %q, want %q", got.path, tt.path)
			}
		})
	}
}

func TestEmbeddingUnsupported(t *testing.T) {
	client, _ := NewAnthropicClient(ClientOptions{APIKey: "k"})
	if client.Capabilities().Embedding {
		t.Error("Anthropic should not report embeddings")
	}
	if _, err := client.Embed(context.Background(), "x"); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("err = %v, want ErrUnsupported", err)
	}
	if _, err := client.GenerateImage(context.Background(), "cat", nil); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("GenerateImage err = %v, want ErrUnsupported", err)
	}
}

func TestOpenAIGenerateImage(t *testing.T) {
	var got capture
	srv := newServer(t, http.StatusOK, `{"data":[{"url":"https://img/1.png"},{"url":"https://img/2.png"}]}`, &got)
	client, _ := NewOpenAIClient(ClientOptions{APIKey: "k", BaseURL: srv.URL})

	res, err := client.GenerateImage(context.Background(), "a lighthouse", domain.Parameters{"n": 2})
	if err != nil {
		t.Fatalf("GenerateImage() error = %v", err)
	}
	if len(res.URLs) != 2 || res.URLs[0] != "https://img/1.png" {
		t.Errorf("URLs = %v", res.URLs)
	}
	if got.path != "/images/generations" || got.body["prompt"] != "a lighthouse" || got.body["n"] != float64(2) {
		t.Errorf("request = %s %v", got.path, got.body)
	}
}

func TestManagerResolve(t *testing.T) {
	cfg := config.Default().Providers
	cfg.OpenAI.APIKey = "sk"
	cfg.Anthropic.APIKey = "sk-ant"
	m := NewManager(cfg)

	client, err := m.Resolve("openai")
	if err != nil {
		t.Fatalf("Resolve(openai) error = %v", err)
	}
	again, _ := m.Resolve("OpenAI")
	if client != again {
		t.Error("Resolve should return the cached adapter")
	}

	claude, err := m.Resolve("claude")
	if err != nil || claude.Provider() != domain.ProviderAnthropic {
		t.Errorf("Resolve(claude) = %v, %v", claude, err)
	}
	local, err := m.Resolve("local")
	if err != nil || local.Provider() != domain.ProviderOllama {
		t.Errorf("Resolve(local) = %v, %v", local, err)
	}
}

func TestManagerResolve_Errors(t *testing.T) {
	cfg := config.Default().Providers
	cfg.Groq.Enabled = false
	m := NewManager(cfg)

	_, err := m.Resolve("opneai")
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("err = %v, want configuration error", err)
	}
	if !strings.Contains(err.Error(), `did you mean "openai"`) {
		t.Errorf("err = %v, want a suggestion", err)
	}

	if _, err := m.Resolve("bedrock"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("Resolve(bedrock) err = %v", err)
	}
	if _, err := m.Resolve("groq"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("disabled provider err = %v", err)
	}
	// OpenAI is enabled but has no key
	if _, err := m.Resolve("openai"); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("missing key err = %v", err)
	}
}

func TestManagerRegisterFactory(t *testing.T) {
	m := NewManager(config.Default().Providers)
	calls := 0
	m.RegisterFactory(domain.ProviderOllama, func(cfg config.ProviderConfig) (domain.LLMClient, error) {
		calls++
		return NewOllamaClient(ClientOptions{BaseURL: "http://ollama.test"})
	})

	for i := 0; i < 3; i++ {
		if _, err := m.Resolve("ollama"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1", calls)
	}
	if len(m.AvailableProviders()) != 5 {
		t.Errorf("AvailableProviders() = %v", m.AvailableProviders())
	}
}
