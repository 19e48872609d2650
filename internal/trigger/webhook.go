package trigger

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// WebhookResult is what the HTTP handler needs to respond with: the
// run a delivery resolved to, and whether it was a dedupe hit against
// an already-processed delivery rather than a freshly fired run.
type WebhookResult struct {
	RunID     string
	Duplicate bool
}

// HandleWebhook looks up the trigger registered at path, verifies the
// delivery's signature, checks the dedupe window, and fires a run —
// or, for a duplicate delivery within the window, returns the
// original run's id without creating a new one.
func (s *Service) HandleWebhook(path string, body []byte, signatureHeader string) (*WebhookResult, error) {
	t, err := s.store.GetTriggerByWebhookPath(path)
	if err != nil {
		return nil, fmt.Errorf("resolve webhook trigger for %s: %w", path, err)
	}
	if !t.Enabled {
		return nil, fmt.Errorf("trigger %s is disabled", t.TriggerID)
	}

	ok, err := VerifySignature(body, signatureHeader, t.WebhookSecret, t.TriggerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("webhook signature verification failed for trigger %s", t.TriggerID)
	}

	bodyHash := hashBody(body)
	if existing, err := s.store.FindWebhookDeliveryRunID(t.TriggerID, bodyHash, t.DedupeWindowSeconds); err == nil {
		return &WebhookResult{RunID: existing, Duplicate: true}, nil
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("check webhook dedupe for trigger %s: %w", t.TriggerID, err)
	}

	var payload map[string]any
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload)
	}

	runID, err := s.Fire(*t, "webhook:"+path, payload)
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordWebhookDelivery(t.TriggerID, bodyHash, runID); err != nil {
		return nil, fmt.Errorf("record webhook delivery for trigger %s: %w", t.TriggerID, err)
	}
	return &WebhookResult{RunID: runID}, nil
}

// VerifySignature checks body against signatureHeader, expected in the
// form "sha256=<hex>" where the hex digest is sha256(key || body) and
// key is derived from the secret stored in the environment variable
// named secretEnvVar via HKDF-SHA256, salted with triggerID so two
// triggers sharing one underlying secret never accept each other's
// signatures. No secret configured for that env var means dev mode:
// every delivery is accepted unverified.
func VerifySignature(body []byte, signatureHeader, secretEnvVar, triggerID string) (bool, error) {
	if secretEnvVar == "" {
		return true, nil
	}
	secret := os.Getenv(secretEnvVar)
	if secret == "" {
		return true, nil
	}

	const prefix = "sha256="
	sig := signatureHeader
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		sig = sig[len(prefix):]
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false, nil
	}

	key, err := derivedSigningKey(secret, triggerID)
	if err != nil {
		return false, fmt.Errorf("derive webhook signing key: %w", err)
	}

	sum := sha256.Sum256(append(key, body...))
	return subtle.ConstantTimeCompare(sum[:], want) == 1, nil
}

// derivedSigningKey stretches the configured webhook secret into a
// per-trigger 32-byte key via HKDF-SHA256 rather than hashing the raw
// secret against the body directly.
func derivedSigningKey(secret, triggerID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), []byte(triggerID), []byte("ckp-webhook-signature"))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
