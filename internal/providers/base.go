package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Settings configures one provider instance. The transformer decides the
// wire format and the authenticator the credential strategy; everything
// else here is plain HTTP plumbing.
type Settings struct {
	Name    string
	BaseURL string
	Model   string
	Timeout time.Duration
	Headers map[string]string
	Retry   *RetryConfig
}

// BaseProvider is the shared HTTP engine behind every configured
// provider: it builds requests through its transformer, authenticates
// through its authenticator, retries transient failures, and decodes
// responses or streams back through the transformer.
type BaseProvider struct {
	name        string
	baseURL     string
	model       string
	client      *http.Client
	transformer Transformer
	auth        Authenticator
	headers     map[string]string
	retry       RetryConfig
}

// NewBaseProvider assembles a provider from settings, a transformer, and
// an authenticator.
func NewBaseProvider(s Settings, tr Transformer, auth Authenticator) *BaseProvider {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	retry := DefaultRetryConfig()
	if s.Retry != nil {
		retry = *s.Retry
	}
	if auth == nil {
		auth = NoAuth{}
	}

	headers := make(map[string]string)
	// Transformers may pin protocol headers (e.g. anthropic-version).
	if eh, ok := tr.(interface{ ExtraHeaders() map[string]string }); ok {
		for k, v := range eh.ExtraHeaders() {
			headers[k] = v
		}
	}
	for k, v := range s.Headers {
		headers[k] = v
	}

	return &BaseProvider{
		name:        s.Name,
		baseURL:     strings.TrimRight(s.BaseURL, "/"),
		model:       s.Model,
		client:      &http.Client{Timeout: timeout},
		transformer: tr,
		auth:        auth,
		headers:     headers,
		retry:       retry,
	}
}

func (p *BaseProvider) ID() string           { return p.name }
func (p *BaseProvider) DefaultModel() string { return p.model }

func (p *BaseProvider) resolveModel(model string) string {
	if model == "" {
		return p.model
	}
	return model
}

func (p *BaseProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.transformer.BuildBody(p.resolveModel(req.Model), req, false)

	return RetryDo(ctx, p.retry, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()
		return p.transformer.ParseResponse(p.name, respBody)
	})
}

func (p *BaseProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(Chunk)) error {
	body := p.transformer.BuildBody(p.resolveModel(req.Model), req, true)

	// Retry only the connection phase; once streaming starts, no retry.
	respBody, err := RetryDo(ctx, p.retry, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return err
	}
	defer respBody.Close()

	adapter := p.transformer.NewStream()
	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var streamErr error
	for scanner.Scan() {
		chunks, done, err := adapter.ParseLine(scanner.Text())
		if err != nil {
			return &TransformError{Provider: p.name, Cause: err}
		}
		for _, c := range chunks {
			if c.Type == ChunkError && c.Err != nil {
				streamErr = c.Err
			}
			if onChunk != nil {
				onChunk(c)
			}
		}
		if done {
			return streamErr
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s: read stream: %w", p.name, err)
	}
	return streamErr
}

// Validate sends a minimal request to prove the base URL and credentials
// work.
func (p *BaseProvider) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := p.Chat(ctx, ChatRequest{
		Messages: []Message{{Role: "user", Content: "ping"}},
		Options:  map[string]interface{}{OptMaxTokens: 1},
	})
	return err
}

func (p *BaseProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+p.transformer.Endpoint(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if p.auth.NeedsRefresh() {
		if err := p.auth.Refresh(ctx); err != nil {
			return nil, &AuthError{Provider: p.name, Status: 0}
		}
	}
	authHeaders, err := p.auth.AuthHeaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	for k, v := range authHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		resp.Body.Close()
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, classifyStatus(p.name, resp.StatusCode, string(respBody), retryAfter)
	}
	return resp.Body, nil
}
