package manifest

import (
	"context"
	"time"

	"github.com/zjrosen/fleetreg/internal/controlplane"
	"github.com/zjrosen/fleetreg/internal/log"
	"github.com/zjrosen/fleetreg/internal/watcher"
)

// Watch re-applies the manifest at path each time the file settles after a
// change, until ctx is cancelled. A manifest that fails to load or apply is
// logged and the previous state is left in place. applied, when non-nil,
// receives each successful result.
func Watch(ctx context.Context, path string, debounce time.Duration, reg controlplane.Registry, applied func(Result)) error {
	w, err := watcher.New(watcher.Config{Path: path, DebounceDur: debounce})
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}
	log.Info(log.CatManifest, "watching manifest", "path", path)

	log.SafeGo("manifest-watch", func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				plan, err := Load(path)
				if err != nil {
					log.ErrorErr(log.CatManifest, "manifest reload failed", err, "path", path)
					continue
				}
				res, err := Apply(ctx, reg, plan)
				if err != nil {
					log.ErrorErr(log.CatManifest, "manifest apply failed", err, "path", path)
					continue
				}
				if applied != nil {
					applied(res)
				}
			}
		}
	})
	return nil
}
