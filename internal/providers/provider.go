package providers

import (
	"context"
	"encoding/base64"

	"github.com/forgeline/forgeline-backend/internal/types"
)

// Request is the normalized generation request handed to a vendor client.
type Request struct {
	GenerationID   string
	OrganizationID string
	Type           types.GenerationType
	Prompt         string
	// Vendor-specific knobs (size, duration, voice, ...). Values are
	// validated by the provider, not by the orchestrator.
	Params map[string]any
}

type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Output is a provider-hosted artifact. URL points at the vendor until the
// orchestrator re-homes the bytes into platform storage.
type Output struct {
	URL      string
	Format   string
	Size     int64
	Metadata map[string]any
}

type GenerateResult struct {
	Outputs     []Output
	Cost        float64
	CreditsUsed float64
	Metadata    map[string]any
}

type Progress struct {
	Progress int
	Status   string
}

type Health struct {
	Healthy   bool
	LatencyMs int64
	Error     string
}

// Provider is the uniform vendor contract consumed by the orchestrator.
// Every call can fail (network, auth, rate limit) and Generate has no
// bounded latency; the queue engine's processing timeout is the backstop.
type Provider interface {
	Name() string
	Supports(t types.GenerationType) bool
	ValidateRequest(ctx context.Context, req Request) (ValidationResult, error)
	Generate(ctx context.Context, req Request) (*GenerateResult, error)
	EstimateCost(ctx context.Context, req Request) (float64, error)
	HealthCheck(ctx context.Context) Health
}

// Canceler is implemented by vendors that can abort an in-flight generation.
// The orchestrator calls it opportunistically on cancellation.
type Canceler interface {
	Cancel(ctx context.Context, generationID string) error
}

// ProgressReporter is implemented by vendors exposing generation progress.
type ProgressReporter interface {
	GetProgress(ctx context.Context, generationID string) (Progress, error)
}

func encodeBase64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
