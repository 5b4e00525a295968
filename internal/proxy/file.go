package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/longhouse-sh/control-plane/internal/logging"
)

// FilePublisher is the file-mode Publisher. One Caddy site fragment per
// subdomain is written to a directory Caddy imports; a marker file is
// touched after every change so a sidecar can trigger a reload.
type FilePublisher struct {
	dir        string
	rootDomain string
	port       int
	log        *logging.Logger
}

// NewFilePublisher creates a file-mode publisher writing fragments into dir.
func NewFilePublisher(dir, rootDomain string, port int, log *logging.Logger) *FilePublisher {
	if port == 0 {
		port = DefaultInstancePort
	}
	return &FilePublisher{dir: dir, rootDomain: rootDomain, port: port, log: log}
}

// Labels returns nothing; file mode does not route via container labels.
func (p *FilePublisher) Labels(subdomain string) map[string]string {
	return nil
}

// Publish writes the site fragment atomically (temp file + rename).
// Rewriting an identical fragment is harmless, which keeps the operation
// idempotent.
func (p *FilePublisher) Publish(ctx context.Context, subdomain, addr string) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create fragment dir: %w", err)
	}

	fragment := fmt.Sprintf("%s {\n\treverse_proxy %s:%d\n}\n", Host(subdomain, p.rootDomain), addr, p.port)
	path := p.fragmentPath(subdomain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(fragment), 0o644); err != nil {
		return fmt.Errorf("write fragment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename fragment: %w", err)
	}

	p.touchReloadMarker()
	p.log.Info("route published", "subdomain", subdomain, "addr", addr)
	return nil
}

// Retract removes the site fragment. A missing fragment is success.
func (p *FilePublisher) Retract(ctx context.Context, subdomain string) error {
	err := os.Remove(p.fragmentPath(subdomain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove fragment: %w", err)
	}
	p.touchReloadMarker()
	p.log.Info("route retracted", "subdomain", subdomain)
	return nil
}

func (p *FilePublisher) fragmentPath(subdomain string) string {
	return filepath.Join(p.dir, subdomain+".caddy")
}

// touchReloadMarker bumps the mtime on the reload marker so a watcher can
// reload the proxy. Failures are logged, not returned: the fragment itself
// landed and the next change will retry the marker.
func (p *FilePublisher) touchReloadMarker() {
	marker := filepath.Join(p.dir, ".reload")
	now := time.Now()
	if err := os.Chtimes(marker, now, now); err != nil {
		if !os.IsNotExist(err) {
			p.log.Warn("touch reload marker", "error", err)
			return
		}
		if f, err := os.Create(marker); err != nil {
			p.log.Warn("create reload marker", "error", err)
		} else {
			f.Close()
		}
	}
}
