package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/farmgate/checkout-backend/internal/domain/payment"
)

const testSecret = "whsec_test"

var frozenNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier() *Verifier {
	v := NewVerifier(testSecret)
	v.now = func() time.Time { return frozenNow }
	return v
}

func sign(t *testing.T, body []byte, at time.Time) string {
	t.Helper()
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func completedPayload(eventID, sessionID, paymentIntent string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"payment_intent": %q,
			"metadata": {"userId": "buyer-1", "productId": "prod-1", "quantity": "4"}
		}}
	}`, eventID, sessionID, paymentIntent))
}

func TestVerifyCompletedSession(t *testing.T) {
	v := newTestVerifier()
	body := completedPayload("evt_1", "cs_1", "pi_1")

	evt, err := v.Verify(body, sign(t, body, frozenNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Kind != payment.KindCheckoutCompleted {
		t.Fatalf("kind = %s", evt.Kind)
	}
	c := evt.Confirmation
	if c.ExternalEventID != "evt_1" || c.PaymentReference != "pi_1" || c.BuyerID != "buyer-1" || c.ProductID != "prod-1" || c.Quantity != 4 {
		t.Fatalf("unexpected confirmation: %+v", c)
	}
}

func TestVerifyFallsBackToSessionID(t *testing.T) {
	v := newTestVerifier()
	body := completedPayload("evt_1", "cs_1", "")

	evt, err := v.Verify(body, sign(t, body, frozenNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Confirmation.PaymentReference != "cs_1" {
		t.Fatalf("payment reference = %s, want cs_1", evt.Confirmation.PaymentReference)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	v := newTestVerifier()
	body := completedPayload("evt_1", "cs_1", "pi_1")

	cases := map[string]string{
		"empty header":  "",
		"missing v1":    fmt.Sprintf("t=%d", frozenNow.Unix()),
		"missing t":     "v1=deadbeef",
		"garbled t":     "t=notanumber,v1=deadbeef",
		"wrong hmac":    fmt.Sprintf("t=%d,v1=deadbeef", frozenNow.Unix()),
		"tampered body": sign(t, []byte(`{"id":"evt_other"}`), frozenNow),
	}
	for name, header := range cases {
		if _, err := v.Verify(body, header); !errors.Is(err, payment.ErrSignatureInvalid) {
			t.Errorf("%s: expected ErrSignatureInvalid, got %v", name, err)
		}
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	v := newTestVerifier()
	body := completedPayload("evt_1", "cs_1", "pi_1")
	header := sign(t, body, frozenNow.Add(-DefaultTolerance-time.Minute))

	if _, err := v.Verify(body, header); !errors.Is(err, payment.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyIgnoresOtherEventKinds(t *testing.T) {
	v := newTestVerifier()
	body := []byte(`{"id": "evt_1", "type": "invoice.paid", "data": {"object": {}}}`)

	evt, err := v.Verify(body, sign(t, body, frozenNow))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Kind != payment.KindIgnored {
		t.Fatalf("kind = %s, want ignored", evt.Kind)
	}
	if evt.Confirmation != nil {
		t.Fatal("ignored events must not carry a confirmation")
	}
}

func TestVerifyMalformedPayload(t *testing.T) {
	v := newTestVerifier()

	for name, body := range map[string][]byte{
		"not json":     []byte(`{{{`),
		"missing id":   []byte(`{"type": "checkout.session.completed"}`),
		"missing type": []byte(`{"id": "evt_1"}`),
	} {
		if _, err := v.Verify(body, sign(t, body, frozenNow)); !errors.Is(err, payment.ErrMalformedPayload) {
			t.Errorf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestVerifyMissingMetadata(t *testing.T) {
	v := newTestVerifier()

	for name, body := range map[string][]byte{
		"no metadata": []byte(`{"id": "evt_1", "type": "checkout.session.completed", "data": {"object": {"id": "cs_1"}}}`),
		"bad quantity": []byte(`{"id": "evt_1", "type": "checkout.session.completed",
			"data": {"object": {"id": "cs_1", "metadata": {"userId": "b", "productId": "p", "quantity": "four"}}}}`),
		"missing buyer": []byte(`{"id": "evt_1", "type": "checkout.session.completed",
			"data": {"object": {"id": "cs_1", "metadata": {"productId": "p", "quantity": "1"}}}}`),
	} {
		if _, err := v.Verify(body, sign(t, body, frozenNow)); !errors.Is(err, payment.ErrMissingMetadata) {
			t.Errorf("%s: expected ErrMissingMetadata, got %v", name, err)
		}
	}
}
