package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// dormancyOnce implements spec.md §4.F loop 4: active/downloaded
// containers idle past keep_active_hours are verified link-by-link,
// removed from the upstream and marked dormant; a bounded batch of
// already-dormant containers is periodically re-verified in place.
func (c *Controller) dormancyOnce(ctx context.Context) {
	if !c.cfg.EnableDormant {
		return
	}

	idle := c.idleActiveContainers()
	for _, cont := range idle {
		c.retireToDormant(ctx, cont)
	}

	c.reverifyDormantBatch(ctx)
}

func (c *Controller) idleActiveContainers() []*model.Container {
	threshold := c.cfg.KeepActive()
	var out []*model.Container
	for _, cont := range c.snapshot() {
		if cont.LifecycleState != model.LifecycleActive {
			continue
		}
		if cont.RemoteStatus != model.StatusDownloaded {
			continue
		}
		last := cont.AddedAt
		if cont.LastAccessed != nil {
			last = *cont.LastAccessed
		}
		if time.Since(last) >= threshold {
			out = append(out, cont)
		}
	}
	return out
}

// retireToDormant verifies every file's link is still resolvable, then
// deletes the container upstream and persists it under Deleted as
// dormant. A single broken link does not block dormancy -- dormancy is
// a space-reclamation step, not a correctness check -- but it is logged.
func (c *Controller) retireToDormant(ctx context.Context, cont *model.Container) {
	for _, f := range cont.Files {
		if f.DownloadURL == "" {
			continue
		}
		if _, err := c.prov.CheckLink(ctx, f.DownloadURL); err != nil {
			applog.Errorf("reconcile", "dormancy: check link %s/%s: %v", cont.Hash, f.FileID, err)
		}
	}

	if err := c.prov.Delete(ctx, cont.HostID); err != nil {
		applog.Errorf("reconcile", "dormancy: delete upstream %s: %v", cont.Hash, err)
	}

	cont.LifecycleState = model.LifecycleDormant
	now := time.Now()
	cont.LastVerified = &now
	if err := c.store.Save(store.DirDeleted, cont); err != nil {
		applog.Errorf("reconcile", "dormancy: persist %s: %v", cont.Hash, err)
		return
	}
	applog.Infof("reconcile", "container %s retired to dormant", cont.Hash)
}

// reverifyDormantBatch re-checks a bounded number of dormant containers'
// links per tick so a dormancy sweep never re-verifies the whole corpus
// at once.
func (c *Controller) reverifyDormantBatch(ctx context.Context) {
	batch := c.cfg.DormantVerificationBatch
	if batch <= 0 {
		return
	}

	dormant, err := c.store.LoadAll(store.DirDeleted)
	if err != nil {
		applog.Errorf("reconcile", "dormancy: load deleted: %v", err)
		return
	}

	checked := 0
	for _, cont := range dormant {
		if cont.LifecycleState != model.LifecycleDormant {
			continue
		}
		if checked >= batch {
			break
		}
		checked++

		allOK := true
		for _, f := range cont.Files {
			if f.DownloadURL == "" {
				continue
			}
			supported, err := c.prov.CheckLink(ctx, f.DownloadURL)
			if err != nil || !supported {
				allOK = false
				applog.Errorf("reconcile", "dormancy: re-verify %s/%s failed: %v", cont.Hash, f.FileID, err)
			}
		}

		cont.VerificationAttempts++
		now := time.Now()
		cont.LastVerified = &now
		if !allOK {
			cont.ProblemReason = "dormant link re-verification failed"
		}
		if err := c.store.Save(store.DirDeleted, cont); err != nil {
			applog.Errorf("reconcile", "dormancy: persist re-verify %s: %v", cont.Hash, err)
		}
	}
}

var errNotDormant = errors.New("reconcile: container is not dormant")

// Restore brings a dormant container back to active, re-adding the
// magnet upstream and refreshing every file's fetch URL before any read
// is allowed to proceed against it.
func (c *Controller) Restore(ctx context.Context, hash string) error {
	cont, known := c.get(hash)
	if !known {
		all, err := c.store.LoadAll(store.DirDeleted)
		if err != nil {
			return err
		}
		for _, candidate := range all {
			if candidate.Hash == hash {
				cont = candidate
				known = true
				break
			}
		}
	}
	if !known || cont.LifecycleState != model.LifecycleDormant {
		return errNotDormant
	}

	hostID, err := c.prov.AddMagnet(ctx, "magnet:?xt=urn:btih:"+cont.Hash, cont.Name)
	if err != nil {
		return err
	}
	cont.HostID = hostID

	info, err := c.prov.Info(ctx, hostID)
	if err != nil {
		return err
	}

	for _, rf := range info.Files {
		f := cont.FindFile(rf.FileID)
		if f == nil {
			continue
		}
		result, err := c.prov.Unrestrict(ctx, rf.RestrictedLink)
		if err != nil {
			applog.Errorf("reconcile", "restore: unrestrict %s/%s: %v", cont.Hash, f.FileID, err)
			continue
		}
		f.RestrictedLink = rf.RestrictedLink
		f.DownloadURL = result.Link
	}

	cont.LifecycleState = model.LifecycleActive
	cont.RemoteStatus = model.CanonicalStatus(info.RawStatus)
	now := time.Now()
	cont.LastAccessed = &now

	c.put(cont)
	return c.store.Save(store.DirActive, cont)
}
