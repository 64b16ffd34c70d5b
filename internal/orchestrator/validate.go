package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeline/forgeline-backend/internal/apperr"
	"github.com/forgeline/forgeline-backend/internal/types"
)

const maxPromptLength = 10000

// deniedPromptPatterns rejects prompts that try to smuggle markup or
// instruction-override phrasing into downstream vendor calls.
var deniedPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script\b`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?prior\s+instructions`),
}

func validateCreateRequest(req *CreateRequest) error {
	if req.OrganizationID == uuid.Nil {
		return apperr.Validation(fmt.Errorf("organization id required"))
	}
	if req.UserID == uuid.Nil {
		return apperr.Validation(fmt.Errorf("user id required"))
	}
	if !req.Type.Valid() {
		return apperr.Validation(fmt.Errorf("unsupported generation type %q", req.Type))
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return apperr.Validation(fmt.Errorf("prompt required"))
	}
	if len(prompt) > maxPromptLength {
		return apperr.Validation(fmt.Errorf("prompt exceeds %d characters", maxPromptLength))
	}
	for _, re := range deniedPromptPatterns {
		if re.MatchString(prompt) {
			return apperr.Validation(fmt.Errorf("prompt contains disallowed content"))
		}
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Validation(fmt.Errorf("callback url must be an absolute http(s) url"))
		}
	}
	return nil
}

// normalizePrompt lowercases and collapses internal whitespace so trivially
// reformatted duplicates hash to the same idempotency key.
func normalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(strings.ToLower(prompt)), " ")
}

// idempotencyKey derives the per-org dedup key from (org, type, normalized
// prompt). Clients may override it with an explicit key.
func idempotencyKey(orgID uuid.UUID, t types.GenerationType, prompt string) string {
	h := sha256.New()
	h.Write([]byte(orgID.String()))
	h.Write([]byte("|"))
	h.Write([]byte(t))
	h.Write([]byte("|"))
	h.Write([]byte(normalizePrompt(prompt)))
	return hex.EncodeToString(h.Sum(nil))
}
