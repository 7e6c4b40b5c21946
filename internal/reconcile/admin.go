package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// List returns a snapshot of every container currently known, active or
// otherwise, for use by the compat HTTP API's listing endpoint.
func (c *Controller) List() []*model.Container {
	return c.snapshot()
}

// Get returns the container identified by hash, if known.
func (c *Controller) Get(hash string) (*model.Container, bool) {
	return c.get(hash)
}

// Touch records an access against hash, resetting the dormancy idle
// clock; the compat API's properties handler calls it (spec.md §3 Lifecycles:
// "active <-> dormant based on access recency").
func (c *Controller) Touch(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cont, ok := c.containers[hash]; ok {
		now := time.Now()
		cont.LastAccessed = &now
	}
}

// AddMagnet submits a magnet URI to the upstream and registers a new
// active container for it, matching the qBittorrent-style "add torrent"
// semantics the compat API exposes: acceptance is synchronous, but
// resolution (waiting-files -> downloaded -> links) proceeds via the
// ordinary reconciliation loops once the next upstream poll observes it.
func (c *Controller) AddMagnet(ctx context.Context, uri, host, category string, tags []string) (string, error) {
	hostID, err := c.prov.AddMagnet(ctx, uri, host)
	if err != nil {
		return "", fmt.Errorf("reconcile: add magnet: %w", err)
	}
	return c.registerPending(ctx, hostID, category, tags)
}

// AddTorrent submits raw .torrent bytes to the upstream, mirroring
// AddMagnet.
func (c *Controller) AddTorrent(ctx context.Context, data []byte, host, category string, tags []string) (string, error) {
	hostID, err := c.prov.AddTorrent(ctx, data, host, category, tags)
	if err != nil {
		return "", fmt.Errorf("reconcile: add torrent: %w", err)
	}
	return c.registerPending(ctx, hostID, category, tags)
}

// registerPending fetches the freshly created container's info and
// stores a provisional active record for it, so List/Get can see it
// immediately instead of waiting for the next upstream poll tick.
func (c *Controller) registerPending(ctx context.Context, hostID, category string, tags []string) (string, error) {
	info, err := c.prov.Info(ctx, hostID)
	if err != nil {
		// The container was accepted upstream even though Info failed;
		// the next upstream poll will pick it up under its real hash.
		applog.Errorf("reconcile", "add: info %s: %v", hostID, err)
		return hostID, nil
	}

	cont := &model.Container{
		HostID:         info.HostID,
		Hash:           info.Hash,
		Name:           info.Name,
		AddedAt:        time.Now(),
		RemoteStatus:   model.CanonicalStatus(info.RawStatus),
		LifecycleState: model.LifecycleActive,
		Category:       category,
		Tags:           tags,
		Files:          buildFiles(info),
	}
	c.put(cont)
	if err := c.store.Save(store.DirActive, cont); err != nil {
		applog.Errorf("reconcile", "add: persist %s: %v", cont.Hash, err)
	}
	return cont.Hash, nil
}

// DeleteContainer removes hash from the upstream (best effort), deletes
// every one of its files from the namespace and its chunk cache state,
// relocates its descriptor to Deleted/, and drops it from memory.
func (c *Controller) DeleteContainer(ctx context.Context, hash string) error {
	cont, known := c.get(hash)
	if !known {
		return fmt.Errorf("reconcile: %s: unknown container", hash)
	}

	if err := c.prov.Delete(ctx, cont.HostID); err != nil {
		applog.Errorf("reconcile", "delete: upstream delete %s: %v", hash, err)
	}

	for _, f := range cont.Files {
		if f.DeletedLocally || f.LocalPath == "" {
			continue
		}
		if err := c.cache.Invalidate(cont.Hash, f); err != nil {
			applog.Errorf("reconcile", "delete: invalidate %s/%s: %v", hash, f.FileID, err)
		}
		if err := c.ns.DeleteFile(f.LocalPath); err != nil {
			applog.Errorf("reconcile", "delete: namespace remove %s: %v", f.LocalPath, err)
		}
	}

	if err := c.store.Move(cont.HostID, store.DirDeleted); err != nil {
		applog.Errorf("reconcile", "delete: relocate descriptor %s: %v", hash, err)
	}

	c.mu.Lock()
	delete(c.containers, hash)
	delete(c.stallSince, hash)
	delete(c.lastCompletion, hash)
	c.mu.Unlock()
	return nil
}

// SetCategoryAndTags updates a container's category/tags and persists
// the change, used by the compat API's "set category"/"set tags"
// endpoints.
func (c *Controller) SetCategoryAndTags(hash, category string, tags []string) error {
	cont, known := c.get(hash)
	if !known {
		return fmt.Errorf("reconcile: %s: unknown container", hash)
	}
	c.mu.Lock()
	cont.Category = category
	cont.Tags = tags
	c.mu.Unlock()
	return c.store.Save(store.DirActive, cont)
}
