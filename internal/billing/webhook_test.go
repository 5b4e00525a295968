package billing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const testSecret = "whsec_test"

func newTestHandler(dir *mockDirectory) (*Handler, *[]string) {
	var enqueued []string
	h := NewHandler(testSecret, dir, DefaultPolicy(), events.New(),
		func(id string) { enqueued = append(enqueued, id) },
		logging.New(false))
	return h, &enqueued
}

func seedTenant(dir *mockDirectory) {
	dir.tenants["t1"] = &store.Tenant{
		ID:                "t1",
		Email:             "owner@example.com",
		BillingCustomerID: "cus_1",
		SubscriptionState: store.SubActive,
	}
	dir.instances["i1"] = &store.Instance{
		ID:           "i1",
		TenantID:     "t1",
		Subdomain:    "alpha",
		DesiredState: store.DesiredRunning,
	}
}

func rawEvent(id, kind string, payload any) *stripelib.Event {
	raw, _ := json.Marshal(payload)
	return &stripelib.Event{
		ID:   id,
		Type: stripelib.EventType(kind),
		Data: &stripelib.EventData{Raw: raw},
	}
}

func TestSubscriptionDeletedStopsInstance(t *testing.T) {
	dir := newMockDirectory()
	seedTenant(dir)
	h, enqueued := newTestHandler(dir)

	ev := rawEvent("evt_1", "customer.subscription.deleted", Subscription{
		ID: "sub_1", Customer: "cus_1", Status: "canceled",
	})
	if err := h.Apply(ev); err != nil {
		t.Fatal(err)
	}

	if dir.tenants["t1"].SubscriptionState != store.SubCancelled {
		t.Errorf("subscription state = %s", dir.tenants["t1"].SubscriptionState)
	}
	if dir.instances["i1"].DesiredState != store.DesiredAbsent {
		t.Errorf("desired state = %s", dir.instances["i1"].DesiredState)
	}
	if len(*enqueued) != 1 || (*enqueued)[0] != "i1" {
		t.Errorf("enqueued = %v", *enqueued)
	}
}

func TestPaymentFailedKeepsInstanceRunning(t *testing.T) {
	dir := newMockDirectory()
	seedTenant(dir)
	h, enqueued := newTestHandler(dir)

	ev := rawEvent("evt_2", "invoice.payment_failed", Invoice{ID: "in_1", Customer: "cus_1"})
	if err := h.Apply(ev); err != nil {
		t.Fatal(err)
	}

	if dir.tenants["t1"].SubscriptionState != store.SubPastDue {
		t.Errorf("subscription state = %s", dir.tenants["t1"].SubscriptionState)
	}
	// Grace policy: past_due keeps the instance running.
	if dir.instances["i1"].DesiredState != store.DesiredRunning {
		t.Errorf("desired state = %s", dir.instances["i1"].DesiredState)
	}
	if len(*enqueued) != 0 {
		t.Errorf("no desired change means nothing enqueued, got %v", *enqueued)
	}
}

func TestDuplicateEventIsNoop(t *testing.T) {
	dir := newMockDirectory()
	seedTenant(dir)
	h, _ := newTestHandler(dir)

	ev := rawEvent("evt_3", "customer.subscription.deleted", Subscription{Customer: "cus_1"})
	if err := h.Apply(ev); err != nil {
		t.Fatal(err)
	}
	calls := len(dir.desiredCalls)

	// Provider retries the same event ID; nothing further changes.
	if err := h.Apply(ev); err != nil {
		t.Fatal(err)
	}
	if len(dir.desiredCalls) != calls {
		t.Errorf("duplicate event mutated state: %v", dir.desiredCalls)
	}
}

func TestUnknownCustomerIgnored(t *testing.T) {
	dir := newMockDirectory()
	h, _ := newTestHandler(dir)

	ev := rawEvent("evt_4", "customer.subscription.updated", Subscription{Customer: "cus_missing", Status: "active"})
	if err := h.Apply(ev); err != nil {
		t.Errorf("unknown customer must not error: %v", err)
	}
}

func TestCheckoutAttachesCustomer(t *testing.T) {
	dir := newMockDirectory()
	dir.tenants["t1"] = &store.Tenant{ID: "t1", Email: "owner@example.com"}
	h, _ := newTestHandler(dir)

	ev := rawEvent("evt_5", "checkout.session.completed", CheckoutSession{
		ID: "cs_1", Customer: "cus_new", ClientReferenceID: "t1",
	})
	if err := h.Apply(ev); err != nil {
		t.Fatal(err)
	}
	if dir.tenants["t1"].BillingCustomerID != "cus_new" {
		t.Errorf("customer not attached: %q", dir.tenants["t1"].BillingCustomerID)
	}
	if dir.tenants["t1"].SubscriptionState != store.SubActive {
		t.Errorf("subscription state = %s", dir.tenants["t1"].SubscriptionState)
	}
}

func TestUnhandledEventTypeIgnored(t *testing.T) {
	dir := newMockDirectory()
	h, _ := newTestHandler(dir)

	ev := rawEvent("evt_6", "customer.created", map[string]string{"id": "cus_1"})
	if err := h.Apply(ev); err != nil {
		t.Errorf("unhandled type must not error: %v", err)
	}
}

// signPayload builds a valid Stripe-Signature header for a payload.
func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestServeHTTPSignatureVerification(t *testing.T) {
	dir := newMockDirectory()
	seedTenant(dir)
	h, _ := newTestHandler(dir)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt_7",
		"type": "customer.subscription.deleted",
		"data": map[string]any{"object": map[string]any{"customer": "cus_1"}},
	})

	// Bad signature rejected.
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad signature: status = %d", rec.Code)
	}

	// Missing signature rejected.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing signature: status = %d", rec.Code)
	}

	// Valid signature accepted and applied.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signPayload(body, testSecret))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if dir.instances["i1"].DesiredState != store.DesiredAbsent {
		t.Error("event not applied through HTTP path")
	}
}
