package orchestrator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/forgeline/forgeline-backend/internal/notify"
	"github.com/forgeline/forgeline-backend/internal/providers"
	"github.com/forgeline/forgeline-backend/internal/queue"
	"github.com/forgeline/forgeline-backend/internal/types"
)

const maxOutputBytes = 512 << 20

// ProcessJob is the engine processor: it resolves the job payload and runs
// the generation attempt. Retry decisions stay with the engine; a returned
// plain error means "retryable", a queue.Permanent one means "don't".
func (s *Service) ProcessJob(ctx context.Context, job *types.QueueJob) ([]byte, error) {
	var p jobPayload
	if err := json.Unmarshal(job.Data, &p); err != nil || p.GenerationID == uuid.Nil {
		return nil, queue.Permanent(fmt.Errorf("malformed job payload: %v", err))
	}
	return s.processGeneration(ctx, job, p)
}

func (s *Service) processGeneration(ctx context.Context, job *types.QueueJob, p jobPayload) ([]byte, error) {
	gen, err := s.generations.GetByID(ctx, nil, p.GenerationID)
	if err != nil {
		return nil, fmt.Errorf("load generation: %w", err)
	}
	if gen == nil {
		return nil, queue.Permanent(fmt.Errorf("generation %s not found", p.GenerationID))
	}
	switch gen.Status {
	case types.GenerationStatusCancelled, types.GenerationStatusCompleted:
		// Nothing left to do for this job.
		return []byte(fmt.Sprintf(`{"skipped":%q}`, gen.Status)), nil
	}

	ok, err := s.generations.TransitionStatus(ctx, nil, gen.ID,
		[]types.GenerationStatus{types.GenerationStatusQueued, types.GenerationStatusProcessing, types.GenerationStatusFailed},
		map[string]interface{}{
			"status": types.GenerationStatusProcessing,
			"error":  "",
		})
	if err != nil {
		return nil, fmt.Errorf("transition to processing: %w", err)
	}
	if !ok {
		return []byte(`{"skipped":"terminal"}`), nil
	}

	// The admission path reserved the estimate for attempt one; every
	// failed attempt releases it, so retries reserve again here.
	reserved := gen.EstimatedCost
	if job.Attempts > 1 && reserved > 0 {
		if err := s.billing.ReserveCredits(ctx, gen.OrganizationID, reserved); err != nil {
			if isBillingDenial(err) {
				s.failGeneration(ctx, gen.ID, fmt.Sprintf("credit reservation denied on retry: %v", err))
				return nil, queue.Permanent(fmt.Errorf("reserve credits: %w", err))
			}
			return nil, fmt.Errorf("reserve credits: %w", err)
		}
	}

	provider, found := s.registry.Get(gen.Provider)
	if !found {
		s.release(ctx, gen.OrganizationID, reserved)
		s.failGeneration(ctx, gen.ID, fmt.Sprintf("provider %q no longer registered", gen.Provider))
		return nil, queue.Permanent(fmt.Errorf("provider %q not registered", gen.Provider))
	}

	preq := providers.Request{
		GenerationID:   gen.ID.String(),
		OrganizationID: gen.OrganizationID.String(),
		Type:           gen.Type,
		Prompt:         gen.Prompt,
		Params:         paramsFromGeneration(gen),
	}

	start := time.Now()
	result, err := provider.Generate(ctx, preq)
	latency := time.Since(start)
	if err != nil {
		s.registry.RecordResult(provider.Name(), false, latency, 0)
		s.release(ctx, gen.OrganizationID, reserved)
		errMsg := fmt.Sprintf("provider %s: %v", provider.Name(), err)
		if job.Attempts >= job.MaxAttempts {
			s.failGeneration(ctx, gen.ID, errMsg)
		} else {
			_ = s.generations.UpdateFields(context.WithoutCancel(ctx), nil, gen.ID, map[string]interface{}{"error": errMsg})
		}
		return nil, fmt.Errorf("generate: %w", err)
	}
	s.registry.RecordResult(provider.Name(), true, latency, result.Cost)

	outputs, err := s.persistOutputs(ctx, gen, result.Outputs)
	if err != nil {
		s.release(ctx, gen.OrganizationID, reserved)
		errMsg := fmt.Sprintf("persist outputs: %v", err)
		if job.Attempts >= job.MaxAttempts {
			s.failGeneration(ctx, gen.ID, errMsg)
		} else {
			_ = s.generations.UpdateFields(context.WithoutCancel(ctx), nil, gen.ID, map[string]interface{}{"error": errMsg})
		}
		return nil, fmt.Errorf("persist outputs: %w", err)
	}

	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		s.release(ctx, gen.OrganizationID, reserved)
		return nil, queue.Permanent(fmt.Errorf("marshal outputs: %w", err))
	}

	creditsUsed := result.CreditsUsed
	if creditsUsed <= 0 {
		creditsUsed = result.Cost
	}
	now := time.Now()
	ok, err = s.generations.TransitionStatus(ctx, nil, gen.ID,
		[]types.GenerationStatus{types.GenerationStatusProcessing},
		map[string]interface{}{
			"status":       types.GenerationStatusCompleted,
			"cost":         result.Cost,
			"credits_used": creditsUsed,
			"outputs":      datatypes.JSON(outputsJSON),
			"error":        "",
			"completed_at": now,
		})
	if err != nil {
		s.release(ctx, gen.OrganizationID, reserved)
		return nil, fmt.Errorf("transition to completed: %w", err)
	}
	if !ok {
		// Cancelled while the provider was working; keep the ledger clean
		// and drop the result.
		s.release(ctx, gen.OrganizationID, reserved)
		s.log.Warn("Discarding result of cancelled generation", "generation_id", gen.ID)
		return []byte(`{"skipped":"cancelled"}`), nil
	}

	if err := s.billing.ChargeCredits(ctx, gen.OrganizationID, reserved, creditsUsed,
		fmt.Sprintf("%s generation %s via %s", gen.Type, gen.ID, provider.Name())); err != nil {
		s.log.Error("Failed to charge credits for completed generation",
			"generation_id", gen.ID,
			"organization_id", gen.OrganizationID,
			"amount", creditsUsed,
			"error", err,
		)
	}

	gen.Status = types.GenerationStatusCompleted
	gen.Cost = result.Cost
	gen.CreditsUsed = creditsUsed
	gen.Outputs = datatypes.JSON(outputsJSON)
	gen.Error = ""
	gen.CompletedAt = &now

	s.publish(notify.Event{
		Type:           "GENERATION_COMPLETED",
		GenerationID:   gen.ID.String(),
		OrganizationID: gen.OrganizationID.String(),
	})
	if gen.CallbackURL != "" {
		s.fireWebhook(gen)
	}

	s.log.Info("Generation completed",
		"generation_id", gen.ID,
		"provider", provider.Name(),
		"outputs", len(outputs),
		"cost", result.Cost,
		"took", latency.String(),
	)
	return []byte(fmt.Sprintf(`{"generation_id":%q,"outputs":%d}`, gen.ID, len(outputs))), nil
}

// failGeneration records a terminal failure. It runs on paths where the
// attempt's context may already be cancelled, so the write is detached.
func (s *Service) failGeneration(ctx context.Context, genID uuid.UUID, errMsg string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.generations.TransitionStatus(ctx, nil, genID,
		[]types.GenerationStatus{types.GenerationStatusQueued, types.GenerationStatusProcessing},
		map[string]interface{}{
			"status": types.GenerationStatusFailed,
			"error":  errMsg,
		}); err != nil {
		s.log.Error("Failed to mark generation failed", "generation_id", genID, "error", err)
	}
}

// persistOutputs re-homes every provider-hosted artifact into platform
// storage and returns outputs pointing at the durable URLs.
func (s *Service) persistOutputs(ctx context.Context, gen *types.Generation, provOutputs []providers.Output) ([]types.GenerationOutput, error) {
	if len(provOutputs) == 0 {
		return nil, fmt.Errorf("provider returned no outputs")
	}
	outputs := make([]types.GenerationOutput, len(provOutputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.UploadParallelism)
	for i, out := range provOutputs {
		g.Go(func() error {
			data, err := s.fetchOutput(gctx, out.URL)
			if err != nil {
				return fmt.Errorf("fetch output %d: %w", i, err)
			}
			key := fmt.Sprintf("generations/%s/%d%s", gen.ID, i, extForFormat(out.Format))
			url, err := s.store.Upload(gctx, key, bytes.NewReader(data), "")
			if err != nil {
				return fmt.Errorf("upload output %d: %w", i, err)
			}
			outputs[i] = types.GenerationOutput{
				ID:       fmt.Sprintf("%s-%d", gen.ID, i),
				URL:      url,
				Format:   out.Format,
				Size:     int64(len(data)),
				Metadata: out.Metadata,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

// fetchOutput reads artifact bytes from a data: URL inline or from the
// vendor over HTTP, bounded by the download timeout and a size cap.
func (s *Service) fetchOutput(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxOutputBytes {
		return nil, fmt.Errorf("output exceeds %d bytes", maxOutputBytes)
	}
	return data, nil
}

func decodeDataURL(u string) ([]byte, error) {
	i := strings.Index(u, ",")
	if i < 0 {
		return nil, fmt.Errorf("malformed data url")
	}
	meta, payload := u[len("data:"):i], u[i+1:]
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	return []byte(payload), nil
}

// fireWebhook POSTs the completion envelope to the caller-supplied URL.
func (s *Service) fireWebhook(gen *types.Generation) {
	body, err := json.Marshal(map[string]any{
		"event": "generation.completed",
		"data":  gen,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WebhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gen.CallbackURL, bytes.NewReader(body))
	if err != nil {
		s.log.Warn("Webhook request build failed", "generation_id", gen.ID.String(), "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("Webhook delivery failed", "generation_id", gen.ID.String(), "url", gen.CallbackURL, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		s.log.Warn("Webhook returned non-success status",
			"generation_id", gen.ID.String(),
			"url", gen.CallbackURL,
			"status", resp.StatusCode,
		)
	}
}

// extForFormat maps a provider-reported format (a MIME type or a bare
// extension) to a storage key extension.
func extForFormat(format string) string {
	f := strings.ToLower(strings.TrimPrefix(format, "."))
	if i := strings.LastIndex(f, "/"); i >= 0 {
		f = f[i+1:]
	}
	switch f {
	case "png":
		return ".png"
	case "jpg", "jpeg":
		return ".jpg"
	case "webp":
		return ".webp"
	case "gif":
		return ".gif"
	case "mp4":
		return ".mp4"
	case "webm":
		return ".webm"
	case "quicktime", "mov":
		return ".mov"
	case "mp3", "mpeg":
		return ".mp3"
	case "wav":
		return ".wav"
	case "gltf-binary", "glb":
		return ".glb"
	case "pdf":
		return ".pdf"
	case "json":
		return ".json"
	case "txt", "text", "plain":
		return ".txt"
	default:
		return ".bin"
	}
}

func paramsFromGeneration(gen *types.Generation) map[string]any {
	if len(gen.Metadata) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(gen.Metadata, &m); err != nil {
		return nil
	}
	return paramsFromMetadata(m)
}
