package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/farmgate/checkout-backend/internal/domain/payment"
)

// DefaultTolerance bounds how old a signed webhook timestamp may be before
// the delivery is treated as a replay.
const DefaultTolerance = 5 * time.Minute

// Verifier checks the processor's signature scheme: the signature header
// carries `t=<unix>,v1=<hex hmac>` pairs and the HMAC-SHA256 is computed over
// `<t>.<raw body>` with the pre-shared webhook secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentIntent string            `json:"payment_intent"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// Verify authenticates the raw delivery and decodes it into the closed event
// variant. Signature failure and malformed payloads are the only error paths;
// unrecognized event kinds come back as KindIgnored so the caller can
// acknowledge them without side effects.
func (v *Verifier) Verify(body []byte, signatureHeader string) (*payment.Event, error) {
	if err := v.checkSignature(body, signatureHeader); err != nil {
		return nil, err
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", payment.ErrMalformedPayload, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return nil, payment.ErrMalformedPayload
	}

	if envelope.Type != string(payment.KindCheckoutCompleted) {
		return &payment.Event{Kind: payment.KindIgnored}, nil
	}

	meta := envelope.Data.Object.Metadata
	quantity, err := strconv.Atoi(meta["quantity"])
	if err != nil || meta["userId"] == "" || meta["productId"] == "" {
		return nil, payment.ErrMissingMetadata
	}

	reference := envelope.Data.Object.PaymentIntent
	if reference == "" {
		reference = envelope.Data.Object.ID
	}

	return &payment.Event{
		Kind: payment.KindCheckoutCompleted,
		Confirmation: &payment.ConfirmationEvent{
			ExternalEventID:  envelope.ID,
			PaymentReference: reference,
			BuyerID:          meta["userId"],
			ProductID:        meta["productId"],
			Quantity:         quantity,
		},
	}, nil
}

func (v *Verifier) checkSignature(body []byte, header string) error {
	if header == "" {
		return payment.ErrSignatureInvalid
	}

	var timestamp string
	var signatures []string
	for _, pair := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return payment.ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return payment.ErrSignatureInvalid
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(ts, 0))
		if age > v.tolerance || age < -v.tolerance {
			return payment.ErrSignatureInvalid
		}
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return nil
		}
	}
	return payment.ErrSignatureInvalid
}
