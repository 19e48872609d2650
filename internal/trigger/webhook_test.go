package trigger

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/queue"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

func signFor(t *testing.T, secret, triggerID string, body []byte) string {
	t.Helper()
	key, err := derivedSigningKey(secret, triggerID)
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	sum := sha256.Sum256(append(key, body...))
	return "sha256=" + hex.EncodeToString(sum[:])
}

func TestVerifySignatureAcceptsValidSignature(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET_TEST", "topsecret")
	body := []byte(`{"hello":"world"}`)
	sig := signFor(t, "topsecret", "trig-1", body)

	ok, err := VerifySignature(body, sig, "WEBHOOK_SECRET_TEST", "trig-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestVerifySignatureRejectsWrongSignature(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET_TEST", "topsecret")
	body := []byte(`{"hello":"world"}`)

	ok, err := VerifySignature(body, "sha256=deadbeef", "WEBHOOK_SECRET_TEST", "trig-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatched signature to be rejected")
	}
}

func TestVerifySignatureRejectsAcrossTriggers(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET_TEST", "topsecret")
	body := []byte(`{"hello":"world"}`)
	sig := signFor(t, "topsecret", "trig-1", body)

	ok, err := VerifySignature(body, sig, "WEBHOOK_SECRET_TEST", "trig-2")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("expected signature derived for trig-1 to fail verification for trig-2")
	}
}

func TestVerifySignatureDevModeWithNoSecretConfigured(t *testing.T) {
	os.Unsetenv("WEBHOOK_SECRET_UNSET")
	ok, err := VerifySignature([]byte("anything"), "garbage", "WEBHOOK_SECRET_UNSET", "trig-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected unverified accept when no secret is configured")
	}
}

func TestHandleWebhookFiresRunOnFreshDelivery(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q)
	mustCreateProcedure(t, s, "proc-1", "v1")

	path := webhookPath("proc-1", "v1")
	if err := svc.SyncFromProcedure("proc-1", "v1", testWebhookTrigger()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	body := []byte(`{"event":"push"}`)
	result, err := svc.HandleWebhook(path, body, "")
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("expected first delivery to not be a duplicate")
	}
	if result.RunID == "" {
		t.Fatalf("expected a run id")
	}
}

func TestHandleWebhookDedupesRepeatedDelivery(t *testing.T) {
	s := newTestStore(t)
	q := queue.New(s)
	svc := New(s, q)
	mustCreateProcedure(t, s, "proc-1", "v1")

	path := webhookPath("proc-1", "v1")
	if err := svc.SyncFromProcedure("proc-1", "v1", testWebhookTrigger()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	body := []byte(`{"event":"push"}`)
	first, err := svc.HandleWebhook(path, body, "")
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := svc.HandleWebhook(path, body, "")
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected repeated body to be flagged as duplicate")
	}
	if second.RunID != first.RunID {
		t.Fatalf("expected duplicate to resolve to the original run id")
	}
}

func TestHandleWebhookUnknownPath(t *testing.T) {
	s := newTestStore(t)
	svc := New(s, queue.New(s))
	if _, err := svc.HandleWebhook("/triggers/webhook/nope/v1", []byte("{}"), ""); err == nil {
		t.Fatalf("expected error for unregistered webhook path")
	}
}

func testWebhookTrigger() *ir.Trigger {
	return &ir.Trigger{
		Type:                TypeWebhook,
		Enabled:             true,
		DedupeWindowSeconds: 300,
	}
}
