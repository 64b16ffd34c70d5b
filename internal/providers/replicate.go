package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/forgeline/forgeline-backend/internal/logger"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// replicateProvider drives a Replicate-style prediction API for media
// generations (image/video/audio/music/3d/avatar). Predictions are
// asynchronous on the vendor side: create, then poll until terminal. The
// caller's context bounds the whole wait; there is no internal deadline.
type replicateProvider struct {
	log        *logger.Logger
	baseURL    string
	apiToken   string
	httpClient *http.Client
	pollEvery  time.Duration

	mu          sync.Mutex
	predictions map[string]string // generationID -> vendor prediction id
}

var replicateModels = map[types.GenerationType]string{
	types.GenerationTypeImage:  "stability-ai/sdxl",
	types.GenerationTypeVideo:  "minimax/video-01",
	types.GenerationTypeAudio:  "suno-ai/bark",
	types.GenerationTypeSpeech: "suno-ai/bark",
	types.GenerationTypeMusic:  "meta/musicgen",
	types.GenerationType3D:     "cjwbw/shap-e",
	types.GenerationTypeAvatar: "fofr/face-to-many",
}

var replicateUnitCost = map[types.GenerationType]float64{
	types.GenerationTypeImage:  0.01,
	types.GenerationTypeVideo:  0.50,
	types.GenerationTypeAudio:  0.05,
	types.GenerationTypeSpeech: 0.05,
	types.GenerationTypeMusic:  0.08,
	types.GenerationType3D:     0.20,
	types.GenerationTypeAvatar: 0.04,
}

func NewReplicateProvider(log *logger.Logger) (Provider, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	token := strings.TrimSpace(os.Getenv("REPLICATE_API_TOKEN"))
	if token == "" {
		return nil, fmt.Errorf("missing REPLICATE_API_TOKEN")
	}
	baseURL := strings.TrimSpace(os.Getenv("REPLICATE_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}
	return &replicateProvider{
		log:         log.With("service", "ReplicateProvider"),
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiToken:    token,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		pollEvery:   2 * time.Second,
		predictions: make(map[string]string),
	}, nil
}

func (p *replicateProvider) Name() string { return "replicate" }

func (p *replicateProvider) Supports(t types.GenerationType) bool {
	_, ok := replicateModels[t]
	return ok
}

func (p *replicateProvider) ValidateRequest(ctx context.Context, req Request) (ValidationResult, error) {
	var errs []string
	if strings.TrimSpace(req.Prompt) == "" {
		errs = append(errs, "prompt is empty")
	}
	if !p.Supports(req.Type) {
		errs = append(errs, fmt.Sprintf("type %q not supported by replicate", req.Type))
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}, nil
}

func (p *replicateProvider) EstimateCost(ctx context.Context, req Request) (float64, error) {
	c, ok := replicateUnitCost[req.Type]
	if !ok {
		return 0, fmt.Errorf("type %q not supported by replicate", req.Type)
	}
	return c, nil
}

type replicatePrediction struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output any    `json:"output"`
	Error  string `json:"error"`
	Metrics struct {
		PredictTime float64 `json:"predict_time"`
	} `json:"metrics"`
}

func (p *replicateProvider) Generate(ctx context.Context, req Request) (*GenerateResult, error) {
	model, ok := replicateModels[req.Type]
	if !ok {
		return nil, fmt.Errorf("type %q not supported by replicate", req.Type)
	}

	input := map[string]any{"prompt": req.Prompt}
	for k, v := range req.Params {
		input[k] = v
	}
	var created replicatePrediction
	err := p.do(ctx, http.MethodPost, "/v1/models/"+model+"/predictions",
		map[string]any{"input": input}, &created)
	if err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("replicate returned no prediction id")
	}

	p.mu.Lock()
	p.predictions[req.GenerationID] = created.ID
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.predictions, req.GenerationID)
		p.mu.Unlock()
	}()

	pred := created
	for !replicateTerminal(pred.Status) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.pollEvery):
		}
		if err := p.do(ctx, http.MethodGet, "/v1/predictions/"+created.ID, nil, &pred); err != nil {
			return nil, err
		}
	}
	if pred.Status != "succeeded" {
		msg := pred.Error
		if msg == "" {
			msg = pred.Status
		}
		return nil, fmt.Errorf("replicate prediction %s: %s", created.ID, msg)
	}

	outputs := replicateOutputs(pred.Output, req.Type)
	if len(outputs) == 0 {
		return nil, fmt.Errorf("replicate prediction %s produced no outputs", created.ID)
	}
	cost := replicateUnitCost[req.Type]
	return &GenerateResult{
		Outputs:     outputs,
		Cost:        cost,
		CreditsUsed: cost,
		Metadata: map[string]any{
			"model":         model,
			"prediction_id": created.ID,
			"predict_time":  pred.Metrics.PredictTime,
		},
	}, nil
}

// Output shape varies per model: a single URL string or a list of them.
func replicateOutputs(raw any, t types.GenerationType) []Output {
	format := replicateFormat(t)
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []Output{{URL: v, Format: format}}
	case []any:
		var out []Output
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, Output{URL: s, Format: format})
			}
		}
		return out
	default:
		return nil
	}
}

func replicateFormat(t types.GenerationType) string {
	switch t {
	case types.GenerationTypeVideo:
		return "video/mp4"
	case types.GenerationTypeAudio, types.GenerationTypeSpeech, types.GenerationTypeMusic:
		return "audio/wav"
	case types.GenerationType3D:
		return "model/gltf-binary"
	default:
		return "image/png"
	}
}

func replicateTerminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// Cancel aborts the vendor-side prediction for generationID, if one is
// still tracked in this process.
func (p *replicateProvider) Cancel(ctx context.Context, generationID string) error {
	p.mu.Lock()
	predID := p.predictions[generationID]
	p.mu.Unlock()
	if predID == "" {
		return nil
	}
	return p.do(ctx, http.MethodPost, "/v1/predictions/"+predID+"/cancel", nil, nil)
}

func (p *replicateProvider) GetProgress(ctx context.Context, generationID string) (Progress, error) {
	p.mu.Lock()
	predID := p.predictions[generationID]
	p.mu.Unlock()
	if predID == "" {
		return Progress{}, fmt.Errorf("no in-flight prediction for generation %s", generationID)
	}
	var pred replicatePrediction
	if err := p.do(ctx, http.MethodGet, "/v1/predictions/"+predID, nil, &pred); err != nil {
		return Progress{}, err
	}
	pr := Progress{Status: pred.Status}
	switch pred.Status {
	case "starting":
		pr.Progress = 10
	case "processing":
		pr.Progress = 50
	case "succeeded":
		pr.Progress = 100
	}
	return pr, nil
}

func (p *replicateProvider) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	err := p.do(ctx, http.MethodGet, "/v1/account", nil, nil)
	h := Health{Healthy: err == nil, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

func (p *replicateProvider) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &vendorHTTPError{Vendor: "replicate", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return fmt.Errorf("replicate decode error: %w; raw=%s", uErr, string(raw))
	}
	return nil
}
