// Package proxy publishes and retracts reverse-proxy routes for instances.
//
// Two modes exist. In label mode the proxy (caddy-docker-proxy or Traefik)
// watches Docker and picks routes up from container labels, so Publish and
// Retract reduce to validation. In file mode a Caddy config fragment per
// subdomain is written to a watched directory.
package proxy

import (
	"context"
	"fmt"
)

// DefaultInstancePort is the port the instance app listens on inside its
// container.
const DefaultInstancePort = 8080

// Publisher exposes or removes the route for one instance. Both operations
// are idempotent: publishing an existing route rewrites it, retracting a
// missing route succeeds.
type Publisher interface {
	// Labels returns the routing labels to stamp on the instance container
	// at create time. Empty outside label mode.
	Labels(subdomain string) map[string]string
	// Publish makes <subdomain>.<root domain> route to addr.
	Publish(ctx context.Context, subdomain, addr string) error
	// Retract removes the route for subdomain.
	Retract(ctx context.Context, subdomain string) error
}

// Host returns the FQDN an instance is served on.
func Host(subdomain, rootDomain string) string {
	return fmt.Sprintf("%s.%s", subdomain, rootDomain)
}
