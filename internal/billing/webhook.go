package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/longhouse-sh/control-plane/internal/events"
	"github.com/longhouse-sh/control-plane/internal/logging"
	"github.com/longhouse-sh/control-plane/internal/metrics"
	"github.com/longhouse-sh/control-plane/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Directory is the slice of the store the billing handler needs.
type Directory interface {
	GetTenant(id string) (*store.Tenant, error)
	GetTenantByEmail(email string) (*store.Tenant, error)
	GetTenantByCustomerID(customerID string) (*store.Tenant, error)
	SetTenantBillingCustomer(tenantID, customerID string) error
	SetTenantSubscriptionState(tenantID string, state store.SubscriptionState) error
	GetLiveInstanceForTenant(tenantID string) (*store.Instance, error)
	SetDesiredState(id string, desired store.DesiredState, reason, actor string) error
	RecordBillingEvent(ev *store.BillingEvent) error
}

// Handler verifies and applies Stripe webhook events.
type Handler struct {
	secret  string
	store   Directory
	policy  Policy
	bus     *events.Bus
	enqueue func(instanceID string)
	log     *logging.Logger
}

// NewHandler creates a billing webhook handler. enqueue is called with an
// instance ID whenever the event changed that instance's desired state.
func NewHandler(secret string, dir Directory, policy Policy, bus *events.Bus, enqueue func(string), log *logging.Logger) *Handler {
	if enqueue == nil {
		enqueue = func(string) {}
	}
	return &Handler{
		secret:  secret,
		store:   dir,
		policy:  policy,
		bus:     bus,
		enqueue: enqueue,
		log:     log,
	}
}

// CheckoutSession is a minimal representation of a checkout.session event.
type CheckoutSession struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
	ClientReferenceID string `json:"client_reference_id"`
	CustomerEmail     string `json:"customer_email"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Subscription is a minimal representation of a subscription event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

// Invoice is a minimal representation of an invoice event.
type Invoice struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		http.Error(w, "webhook secret not configured", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		http.Error(w, "missing Stripe signature", http.StatusBadRequest)
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		http.Error(w, "invalid Stripe signature", http.StatusBadRequest)
		return
	}

	if err := h.Apply(&event); err != nil {
		h.log.Error("billing event failed", "event_id", event.ID, "type", event.Type, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// Apply processes a verified event. Events are deduplicated by ID, so
// provider retries are harmless.
func (h *Handler) Apply(event *stripelib.Event) error {
	metrics.BillingEvents.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckout(event, session)

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applyCustomerState(event, sub.Customer, NormalizeStatus(sub.Status))

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applyCustomerState(event, sub.Customer, store.SubCancelled)

	case "invoice.payment_failed":
		var inv Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return h.applyCustomerState(event, inv.Customer, store.SubPastDue)

	default:
		h.log.Debug("billing event ignored", "type", event.Type, "event_id", event.ID)
		return nil
	}
}

func (h *Handler) handleCheckout(event *stripelib.Event, session CheckoutSession) error {
	tenant := h.resolveCheckoutTenant(session)
	if tenant == nil {
		h.log.Warn("checkout for unknown tenant", "event_id", event.ID, "customer", session.Customer)
		return nil
	}

	if err := h.recordEvent(event, tenant.ID); err != nil {
		return ignoreDuplicate(err)
	}

	if session.Customer != "" && tenant.BillingCustomerID != session.Customer {
		if err := h.store.SetTenantBillingCustomer(tenant.ID, session.Customer); err != nil {
			return fmt.Errorf("attach billing customer: %w", err)
		}
	}
	return h.applyState(tenant, store.SubActive, string(event.Type))
}

func (h *Handler) resolveCheckoutTenant(session CheckoutSession) *store.Tenant {
	if session.ClientReferenceID != "" {
		if t, err := h.store.GetTenant(session.ClientReferenceID); err == nil && t != nil {
			return t
		}
	}
	email := session.CustomerEmail
	if email == "" {
		email = session.CustomerDetails.Email
	}
	if email != "" {
		if t, err := h.store.GetTenantByEmail(email); err == nil && t != nil {
			return t
		}
	}
	return nil
}

func (h *Handler) applyCustomerState(event *stripelib.Event, customerID string, sub store.SubscriptionState) error {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		h.log.Warn("billing event without customer", "event_id", event.ID, "type", event.Type)
		return nil
	}

	tenant, err := h.store.GetTenantByCustomerID(customerID)
	if err != nil || tenant == nil {
		h.log.Warn("billing event for unknown customer", "event_id", event.ID, "customer", customerID)
		return nil
	}

	if err := h.recordEvent(event, tenant.ID); err != nil {
		return ignoreDuplicate(err)
	}
	return h.applyState(tenant, sub, string(event.Type))
}

// applyState updates the tenant's subscription state and, if the billing
// policy says the instance's desired state should change, flips it and wakes
// the reconciler. It never touches the container runtime directly.
func (h *Handler) applyState(tenant *store.Tenant, sub store.SubscriptionState, kind string) error {
	if tenant.SubscriptionState != sub {
		if err := h.store.SetTenantSubscriptionState(tenant.ID, sub); err != nil {
			return fmt.Errorf("set subscription state: %w", err)
		}
	}

	inst, err := h.store.GetLiveInstanceForTenant(tenant.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup live instance: %w", err)
	}

	desired := h.policy.DesiredFor(sub)
	if inst.DesiredState == desired {
		return nil
	}

	reason := fmt.Sprintf("billing: %s -> subscription %s", kind, sub)
	if err := h.store.SetDesiredState(inst.ID, desired, reason, "billing"); err != nil {
		return fmt.Errorf("set desired state: %w", err)
	}

	h.log.Info("billing changed desired state",
		"tenant", tenant.ID, "subdomain", inst.Subdomain,
		"subscription", sub, "desired", desired)
	if h.bus != nil {
		h.bus.Publish(events.SSEEvent{
			Type:      events.EventBilling,
			Subdomain: inst.Subdomain,
			Message:   reason,
			Timestamp: time.Now().UTC(),
		})
	}
	h.enqueue(inst.ID)
	return nil
}

func (h *Handler) recordEvent(event *stripelib.Event, tenantID string) error {
	return h.store.RecordBillingEvent(&store.BillingEvent{
		ID:       event.ID,
		Kind:     string(event.Type),
		TenantID: tenantID,
		Payload:  event.Data.Raw,
	})
}

func ignoreDuplicate(err error) error {
	if errors.Is(err, store.ErrDuplicateEvent) {
		return nil
	}
	return err
}
