package stripe

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/farmgate/checkout-backend/internal/domain/payment"
)

func sessionRequest() payment.SessionRequest {
	return payment.SessionRequest{
		BuyerID:     "buyer-1",
		ProductID:   "prod-1",
		ProductName: "Tomatoes",
		UnitPrice:   4000,
		Quantity:    4,
	}
}

func newSessionClient(serverURL string) *SessionClient {
	return NewSessionClient(SessionClientConfig{
		BaseURL:    serverURL,
		SecretKey:  "sk_test",
		SuccessURL: "https://shop.example.com/success",
		CancelURL:  "https://shop.example.com/cancel",
		Currency:   "inr",
	})
}

func TestCreateSession(t *testing.T) {
	var captured *http.Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		captured = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "cs_1", "url": "https://pay.example.com/cs_1"}`))
	}))
	defer server.Close()

	session, err := newSessionClient(server.URL).Create(t.Context(), sessionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.ID != "cs_1" || session.RedirectURL != "https://pay.example.com/cs_1" {
		t.Fatalf("unexpected session: %+v", session)
	}

	if captured.URL.Path != "/checkout/sessions" {
		t.Errorf("path = %s", captured.URL.Path)
	}
	if got := captured.Header.Get("Authorization"); got != "Bearer sk_test" {
		t.Errorf("authorization = %q", got)
	}

	// The metadata must round-trip into the confirmation webhook untouched.
	form := captured.PostForm
	if form.Get("metadata[userId]") != "buyer-1" ||
		form.Get("metadata[productId]") != "prod-1" ||
		form.Get("metadata[quantity]") != "4" {
		t.Errorf("metadata not carried: %v", form)
	}
	if form.Get("line_items[0][price_data][unit_amount]") != "4000" {
		t.Errorf("unit amount not carried: %v", form)
	}
}

func TestCreateSessionServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newSessionClient(server.URL).Create(t.Context(), sessionRequest())
	if !errors.Is(err, payment.ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
}

func TestCreateSessionClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newSessionClient(server.URL).Create(t.Context(), sessionRequest())
	if err == nil {
		t.Fatal("expected error on 4xx")
	}
	if errors.Is(err, payment.ErrProcessorUnavailable) {
		t.Fatal("4xx is not a retryable outage")
	}
}

func TestCreateSessionTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	_, err := newSessionClient(server.URL).Create(t.Context(), sessionRequest())
	if !errors.Is(err, payment.ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
}

func TestCreateSessionMissingRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "cs_1"}`))
	}))
	defer server.Close()

	if _, err := newSessionClient(server.URL).Create(t.Context(), sessionRequest()); err == nil {
		t.Fatal("expected error when redirect url missing")
	}
}
