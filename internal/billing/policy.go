// Package billing normalises external billing webhook events into tenant
// subscription state and desired instance state.
package billing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/longhouse-sh/control-plane/internal/store"
)

// Policy maps a tenant's subscription state to the desired state of its
// instance. Operators can override the defaults with a YAML file, e.g. to
// stop instances immediately on payment failure instead of granting grace.
type Policy struct {
	States map[store.SubscriptionState]store.DesiredState `yaml:"states"`
}

// DefaultPolicy grants a grace period on past_due: the instance keeps
// running until the subscription is actually cancelled.
func DefaultPolicy() Policy {
	return Policy{
		States: map[store.SubscriptionState]store.DesiredState{
			store.SubNone:      store.DesiredAbsent,
			store.SubTrialing:  store.DesiredRunning,
			store.SubActive:    store.DesiredRunning,
			store.SubPastDue:   store.DesiredRunning,
			store.SubCancelled: store.DesiredAbsent,
		},
	}
}

// LoadPolicy reads a policy file, filling unset states from the defaults.
// An empty path returns the default policy.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read billing policy: %w", err)
	}

	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse billing policy: %w", err)
	}

	for sub, desired := range file.States {
		if _, ok := p.States[sub]; !ok {
			return Policy{}, fmt.Errorf("billing policy: unknown subscription state %q", sub)
		}
		if desired != store.DesiredRunning && desired != store.DesiredAbsent {
			return Policy{}, fmt.Errorf("billing policy: invalid desired state %q for %q", desired, sub)
		}
		p.States[sub] = desired
	}
	return p, nil
}

// DesiredFor returns the desired instance state for a subscription state.
func (p Policy) DesiredFor(sub store.SubscriptionState) store.DesiredState {
	if d, ok := p.States[sub]; ok {
		return d
	}
	return store.DesiredAbsent
}

// NormalizeStatus maps a raw Stripe subscription status onto the internal
// subscription state enum.
func NormalizeStatus(raw string) store.SubscriptionState {
	switch raw {
	case "trialing":
		return store.SubTrialing
	case "active":
		return store.SubActive
	case "past_due":
		return store.SubPastDue
	case "canceled", "unpaid", "incomplete_expired":
		return store.SubCancelled
	default:
		return store.SubNone
	}
}
