package httppresentation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appcheckout "github.com/farmgate/checkout-backend/internal/application/checkout"
	apporders "github.com/farmgate/checkout-backend/internal/application/orders"
	appreconcile "github.com/farmgate/checkout-backend/internal/application/reconcile"
	"github.com/farmgate/checkout-backend/internal/auth"
	domorder "github.com/farmgate/checkout-backend/internal/domain/order"
	dompay "github.com/farmgate/checkout-backend/internal/domain/payment"
	domprod "github.com/farmgate/checkout-backend/internal/domain/product"
	"github.com/farmgate/checkout-backend/internal/infrastructure/id"
	"github.com/farmgate/checkout-backend/internal/infrastructure/memory"
	"github.com/farmgate/checkout-backend/internal/infrastructure/stripe"
)

const webhookSecret = "whsec_handler_test"

type stubSessionCreator struct{}

func (stubSessionCreator) Create(_ context.Context, _ dompay.SessionRequest) (*dompay.Session, error) {
	return &dompay.Session{ID: "cs_test", RedirectURL: "https://pay.example.com/cs_test"}, nil
}

type env struct {
	server        *httptest.Server
	products      *memory.ProductRepository
	authenticator *auth.Authenticator
}

func newEnv(t *testing.T) *env {
	t.Helper()

	products := memory.NewProductRepository()
	p, err := domprod.New("prod-1", "farmer-1", "Tomatoes", 4000, 10)
	if err != nil {
		t.Fatalf("build product: %v", err)
	}
	if err := products.Save(context.Background(), p); err != nil {
		t.Fatalf("save product: %v", err)
	}

	ledger := memory.NewOrderRepository()
	authenticator := auth.NewAuthenticator("handler-test-secret")

	handler := NewHandler(
		appcheckout.NewOpenSessionUseCase(products, stubSessionCreator{}, nil),
		appreconcile.NewUseCase(ledger, products, id.NewUUIDGenerator(), nil, nil),
		apporders.NewService(ledger),
		products,
		stripe.NewVerifier(webhookSecret),
		authenticator,
		nil,
	)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return &env{server: server, products: products, authenticator: authenticator}
}

func (e *env) token(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	token, err := e.authenticator.Sign(auth.Identity{UserID: userID, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *env) do(t *testing.T, method, path, token, body string, extra map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, payload
}

func signWebhook(body string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + "." + body))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func completedEvent(eventID, paymentRef string, quantity int) string {
	return fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_1",
			"payment_intent": %q,
			"metadata": {"userId": "buyer-1", "productId": "prod-1", "quantity": "%d"}
		}}
	}`, eventID, paymentRef, quantity)
}

func TestWebhookCreatesOrder(t *testing.T) {
	e := newEnv(t)
	body := completedEvent("evt_1", "pi_1", 4)

	resp, payload := e.do(t, http.MethodPost, "/checkout/webhook", "", body,
		map[string]string{"Stripe-Signature": signWebhook(body)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, payload)
	}

	var out struct {
		Received bool   `json:"received"`
		OrderID  string `json:"order_id"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !out.Received || out.OrderID == "" {
		t.Fatalf("unexpected response: %+v", out)
	}

	p, _ := e.products.Get(context.Background(), "prod-1")
	if p.Quantity != 6 {
		t.Fatalf("stock = %d, want 6", p.Quantity)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	e := newEnv(t)
	body := completedEvent("evt_1", "pi_1", 4)
	headers := map[string]string{"Stripe-Signature": signWebhook(body)}

	_, first := e.do(t, http.MethodPost, "/checkout/webhook", "", body, headers)
	resp, second := e.do(t, http.MethodPost, "/checkout/webhook", "", body, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}

	var a, b struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(first, &a)
	_ = json.Unmarshal(second, &b)
	if a.OrderID == "" || a.OrderID != b.OrderID {
		t.Fatalf("replay order id %q, want %q", b.OrderID, a.OrderID)
	}

	p, _ := e.products.Get(context.Background(), "prod-1")
	if p.Quantity != 6 {
		t.Fatalf("stock = %d after replay, want 6", p.Quantity)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	body := completedEvent("evt_1", "pi_1", 4)

	resp, _ := e.do(t, http.MethodPost, "/checkout/webhook", "", body,
		map[string]string{"Stripe-Signature": "t=123,v1=deadbeef"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	// No side effects from an unauthenticated delivery.
	p, _ := e.products.Get(context.Background(), "prod-1")
	if p.Quantity != 10 {
		t.Fatalf("stock = %d, want 10", p.Quantity)
	}
}

type unavailableLedger struct{}

func (unavailableLedger) CreateIfAbsent(context.Context, *domorder.Order) (*domorder.Order, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (unavailableLedger) ClaimInventory(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (unavailableLedger) ReleaseInventory(context.Context, string) error {
	return errors.New("connection refused")
}
func (unavailableLedger) Get(context.Context, string) (*domorder.Order, error) {
	return nil, domorder.ErrNotFound
}
func (unavailableLedger) ListByBuyer(context.Context, string) ([]*domorder.Order, error) {
	return nil, nil
}
func (unavailableLedger) ListByProduct(context.Context, string) ([]*domorder.Order, error) {
	return nil, nil
}

// A verified delivery that fails on storage must signal the processor to
// redeliver, not swallow the event with a 2xx.
func TestWebhookPersistenceFailureSignalsRetry(t *testing.T) {
	products := memory.NewProductRepository()
	p, err := domprod.New("prod-1", "farmer-1", "Tomatoes", 4000, 10)
	if err != nil {
		t.Fatalf("build product: %v", err)
	}
	if err := products.Save(context.Background(), p); err != nil {
		t.Fatalf("save product: %v", err)
	}

	ledger := unavailableLedger{}
	handler := NewHandler(
		appcheckout.NewOpenSessionUseCase(products, stubSessionCreator{}, nil),
		appreconcile.NewUseCase(ledger, products, id.NewUUIDGenerator(), nil, nil),
		apporders.NewService(ledger),
		products,
		stripe.NewVerifier(webhookSecret),
		auth.NewAuthenticator("handler-test-secret"),
		nil,
	)
	server := httptest.NewServer(handler.Router())
	defer server.Close()

	body := completedEvent("evt_1", "pi_1", 4)
	req, err := http.NewRequest(http.MethodPost, server.URL+"/checkout/webhook", strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Stripe-Signature", signWebhook(body))

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 so the processor redelivers", resp.StatusCode)
	}
	p, _ = products.Get(context.Background(), "prod-1")
	if p.Quantity != 10 {
		t.Fatalf("stock = %d, failed delivery must not decrement", p.Quantity)
	}
}

func TestWebhookAcknowledgesIgnoredKinds(t *testing.T) {
	e := newEnv(t)
	body := `{"id": "evt_1", "type": "invoice.paid", "data": {"object": {}}}`

	resp, payload := e.do(t, http.MethodPost, "/checkout/webhook", "", body,
		map[string]string{"Stripe-Signature": signWebhook(body)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Received bool   `json:"received"`
		OrderID  string `json:"order_id"`
	}
	_ = json.Unmarshal(payload, &out)
	if !out.Received || out.OrderID != "" {
		t.Fatalf("unexpected response: %s", payload)
	}
}

func TestOpenSessionRequiresToken(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/checkout/prod-1", "", `{"quantity": 1}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestOpenSession(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "buyer-1", auth.RoleBuyer)

	resp, payload := e.do(t, http.MethodPost, "/checkout/prod-1", token, `{"quantity": 2}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, payload)
	}
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.RedirectURL != "https://pay.example.com/cs_test" {
		t.Fatalf("redirect url = %s", out.RedirectURL)
	}
}

func TestOpenSessionErrors(t *testing.T) {
	e := newEnv(t)
	token := e.token(t, "buyer-1", auth.RoleBuyer)

	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown product", "/checkout/missing", `{"quantity": 1}`, http.StatusNotFound},
		{"insufficient stock", "/checkout/prod-1", `{"quantity": 11}`, http.StatusBadRequest},
		{"zero quantity", "/checkout/prod-1", `{"quantity": 0}`, http.StatusBadRequest},
		{"malformed body", "/checkout/prod-1", `{"quantity": `, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, payload := e.do(t, http.MethodPost, tc.path, token, tc.body, nil)
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status = %d, want %d (body %s)", tc.name, resp.StatusCode, tc.status, payload)
		}
	}
}

func TestListMyOrders(t *testing.T) {
	e := newEnv(t)

	body := completedEvent("evt_1", "pi_1", 4)
	e.do(t, http.MethodPost, "/checkout/webhook", "", body,
		map[string]string{"Stripe-Signature": signWebhook(body)})

	token := e.token(t, "buyer-1", auth.RoleBuyer)
	resp, payload := e.do(t, http.MethodGet, "/orders", token, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var orders []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(payload, &orders); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(orders) != 1 || orders[0].ProductID != "prod-1" || orders[0].Quantity != 4 {
		t.Fatalf("unexpected orders: %s", payload)
	}
}

func TestProductOrdersRequiresAdmin(t *testing.T) {
	e := newEnv(t)

	buyer := e.token(t, "buyer-1", auth.RoleBuyer)
	resp, _ := e.do(t, http.MethodGet, "/products/prod-1/orders", buyer, "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("buyer status = %d, want 403", resp.StatusCode)
	}

	admin := e.token(t, "admin-1", auth.RoleAdmin)
	resp, _ = e.do(t, http.MethodGet, "/products/prod-1/orders", admin, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", resp.StatusCode)
	}
}

func TestListProducts(t *testing.T) {
	e := newEnv(t)

	resp, payload := e.do(t, http.MethodGet, "/products", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var products []struct {
		ID       string `json:"id"`
		Quantity int    `json:"quantity"`
	}
	if err := json.Unmarshal(payload, &products); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(products) != 1 || products[0].ID != "prod-1" || products[0].Quantity != 10 {
		t.Fatalf("unexpected products: %s", payload)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	e := newEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/health", "", "", map[string]string{"X-Request-ID": "req-42"})
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q, want echo of caller value", got)
	}

	resp, _ = e.do(t, http.MethodGet, "/health", "", "", nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID must be generated when absent")
	}
}
