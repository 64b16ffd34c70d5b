package orchestrator

import (
	"fmt"
	"strings"

	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/types"
)

// ScoreFunc ranks a provider for auto-selection from its rolling metrics.
// Higher is better.
type ScoreFunc func(m providers.Metrics) float64

// DefaultScore weights reliability over speed over price over quality.
// Latency and cost contribute through 1/(1+x) so unobserved providers
// (zero latency, zero cost) score at the top of those terms rather than
// dividing by zero.
func DefaultScore(m providers.Metrics) float64 {
	latencyScore := 1.0 / (1.0 + m.MeanLatency.Seconds())
	costScore := 1.0 / (1.0 + m.MeanCost)
	return 0.4*m.SuccessRate + 0.3*latencyScore + 0.2*costScore + 0.1*m.Quality
}

// selectProvider resolves an explicit override, else scores the candidates
// for the type. Ties keep the earlier-registered provider.
func (s *Service) selectProvider(t types.GenerationType, override string) (providers.Provider, error) {
	if override != "" {
		p, ok := s.registry.Get(override)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", override)
		}
		if !p.Supports(t) {
			return nil, fmt.Errorf("provider %q does not support type %q", override, t)
		}
		return p, nil
	}
	candidates := s.registry.CandidatesFor(t)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider supports type %q", t)
	}
	best := candidates[0]
	bestScore := -1.0
	for _, p := range candidates {
		m, ok := s.registry.MetricsFor(p.Name())
		if !ok {
			continue
		}
		if sc := s.score(m); sc > bestScore {
			best = p
			bestScore = sc
		}
	}
	return best, nil
}

// queueNameFor buckets generation types into worker queues. Text-like work
// shares a queue; heavy media types get their own so a video backlog does
// not starve text.
func queueNameFor(t types.GenerationType) string {
	switch t {
	case types.GenerationTypeText, types.GenerationTypeCode, types.GenerationTypeDocument:
		return "text"
	case types.GenerationTypeImage:
		return "image"
	case types.GenerationTypeVideo:
		return "video"
	case types.GenerationTypeAudio, types.GenerationTypeSpeech, types.GenerationTypeMusic:
		return "audio"
	default:
		return "special"
	}
}

// priorityFor derives job priority from request metadata, clamped to
// [1,10]. Base 5; premium tier +2, interactive +1, batch -1; fast cheap
// types get a small bias so they drain ahead of equal-priority media jobs.
func priorityFor(t types.GenerationType, metadata map[string]any) int {
	p := 5
	if tier, ok := metadata["tier"].(string); ok && strings.EqualFold(tier, "premium") {
		p += 2
	}
	if v, ok := metadata["interactive"].(bool); ok && v {
		p++
	}
	if v, ok := metadata["batch"].(bool); ok && v {
		p--
	}
	switch t {
	case types.GenerationTypeText, types.GenerationTypeCode:
		p++
	case types.GenerationTypeVideo, types.GenerationType3D:
		p--
	}
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return p
}
