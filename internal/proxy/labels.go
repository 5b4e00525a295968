package proxy

import (
	"context"
	"fmt"
)

// LabelPublisher is the label-mode Publisher. The route rides on the
// container labels, so the proxy converges on its own when containers come
// and go.
type LabelPublisher struct {
	provider   string // "caddy" or "traefik"
	rootDomain string
	port       int
}

// NewLabelPublisher creates a label-mode publisher for the given provider.
func NewLabelPublisher(provider, rootDomain string, port int) *LabelPublisher {
	if port == 0 {
		port = DefaultInstancePort
	}
	return &LabelPublisher{provider: provider, rootDomain: rootDomain, port: port}
}

// Labels returns the provider-specific routing label set for a subdomain.
func (p *LabelPublisher) Labels(subdomain string) map[string]string {
	host := Host(subdomain, p.rootDomain)

	if p.provider == "traefik" {
		router := subdomain
		return map[string]string{
			"traefik.enable": "true",
			fmt.Sprintf("traefik.http.routers.%s.rule", router):                      fmt.Sprintf("Host(`%s`)", host),
			fmt.Sprintf("traefik.http.routers.%s.entrypoints", router):               "websecure",
			fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", router):          "le",
			fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router): fmt.Sprintf("%d", p.port),
		}
	}

	// caddy-docker-proxy
	return map[string]string{
		"caddy":               host,
		"caddy.reverse_proxy": fmt.Sprintf("{{upstreams %d}}", p.port),
	}
}

// Publish is a no-op in label mode; the labels were stamped at create time.
func (p *LabelPublisher) Publish(ctx context.Context, subdomain, addr string) error {
	return nil
}

// Retract is a no-op in label mode; removing the container removes the route.
func (p *LabelPublisher) Retract(ctx context.Context, subdomain string) error {
	return nil
}
