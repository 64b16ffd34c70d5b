package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// openAIProvider drives an OpenAI-compatible API for text-like and image
// generations. All HTTP is hand-rolled net/http; no vendor SDK.
type openAIProvider struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	textModel  string
	imageModel string
	imageSize  string
	httpClient *http.Client
	maxRetries int
}

func NewOpenAIProvider(log *logger.Logger) (Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	textModel := strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	if textModel == "" {
		textModel = "gpt-4o"
	}
	imageModel := strings.TrimSpace(os.Getenv("OPENAI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	imageSize := strings.TrimSpace(os.Getenv("OPENAI_IMAGE_SIZE"))
	if imageSize == "" {
		imageSize = "1024x1024"
	}

	timeoutSec := 180
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	maxRetries := 3
	if v := os.Getenv("OPENAI_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &openAIProvider{
		log:        log.With("service", "OpenAIProvider"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		textModel:  textModel,
		imageModel: imageModel,
		imageSize:  imageSize,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Supports(t types.GenerationType) bool {
	switch t {
	case types.GenerationTypeText, types.GenerationTypeCode,
		types.GenerationTypeDocument, types.GenerationTypeImage:
		return true
	}
	return false
}

func (p *openAIProvider) ValidateRequest(ctx context.Context, req Request) (ValidationResult, error) {
	var errs []string
	if strings.TrimSpace(req.Prompt) == "" {
		errs = append(errs, "prompt is empty")
	}
	if !p.Supports(req.Type) {
		errs = append(errs, fmt.Sprintf("type %q not supported by openai", req.Type))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

// Per-1k-token / per-image unit prices. Rough, revised from billing exports.
func (p *openAIProvider) EstimateCost(ctx context.Context, req Request) (float64, error) {
	switch req.Type {
	case types.GenerationTypeImage:
		return 0.04, nil
	case types.GenerationTypeDocument:
		return 0.02, nil
	default:
		// Token-priced types scale with prompt length.
		units := float64(len(req.Prompt))/4000 + 1
		return 0.002 * units, nil
	}
}

func (p *openAIProvider) Generate(ctx context.Context, req Request) (*GenerateResult, error) {
	switch req.Type {
	case types.GenerationTypeImage:
		return p.generateImage(ctx, req)
	default:
		return p.generateText(ctx, req)
	}
}

func (p *openAIProvider) generateText(ctx context.Context, req Request) (*GenerateResult, error) {
	body := map[string]any{
		"model": p.textModel,
		"input": req.Prompt,
	}
	var out struct {
		ID     string `json:"id"`
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/responses", body, &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, o := range out.Output {
		for _, c := range o.Content {
			if c.Type == "output_text" {
				text.WriteString(c.Text)
			}
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("openai returned no output_text")
	}

	cost := 0.002 * (float64(out.Usage.TotalTokens)/1000 + 1)
	return &GenerateResult{
		Outputs: []Output{{
			URL:    "data:text/plain;base64," + encodeBase64(text.String()),
			Format: "text/plain",
			Size:   int64(text.Len()),
		}},
		Cost:        cost,
		CreditsUsed: cost,
		Metadata:    map[string]any{"model": p.textModel, "response_id": out.ID},
	}, nil
}

func (p *openAIProvider) generateImage(ctx context.Context, req Request) (*GenerateResult, error) {
	size := p.imageSize
	if v, ok := req.Params["size"].(string); ok && v != "" {
		size = v
	}
	body := map[string]any{
		"model":  p.imageModel,
		"prompt": req.Prompt,
		"size":   size,
	}
	var out struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/images/generations", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("openai returned no image data")
	}

	outputs := make([]Output, 0, len(out.Data))
	for _, d := range out.Data {
		url := d.URL
		if url == "" && d.B64JSON != "" {
			url = "data:image/png;base64," + d.B64JSON
		}
		outputs = append(outputs, Output{
			URL:      url,
			Format:   "image/png",
			Metadata: map[string]any{"size": size},
		})
	}
	cost := 0.04 * float64(len(outputs))
	return &GenerateResult{
		Outputs:     outputs,
		Cost:        cost,
		CreditsUsed: cost,
		Metadata:    map[string]any{"model": p.imageModel},
	}, nil
}

func (p *openAIProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := p.do(ctx, http.MethodGet, "/v1/models", nil, nil)
	h := Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

type vendorHTTPError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *vendorHTTPError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Vendor, e.StatusCode, e.Body)
}

func isRetryableVendorError(err error) bool {
	var httpErr *vendorHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Connection resets and the like surface as plain url.Errors.
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) &&
		strings.Contains(err.Error(), "connection")
}

func (p *openAIProvider) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, &vendorHTTPError{Vendor: "openai", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return raw, nil
}

func (p *openAIProvider) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw, err := p.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("openai decode error: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		if !isRetryableVendorError(err) || attempt == p.maxRetries {
			return err
		}
		p.log.Warn("OpenAI request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", p.maxRetries,
			"sleep", backoff.String(),
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("unreachable retry loop")
}
