package reconcile

import (
	"context"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/provider"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// upstreamPollOnce lists every container on the provider, reconciles
// status changes against the local record, and runs the completion
// pipeline for any container newly seen as downloaded (spec.md §4.F
// loop 1).
func (c *Controller) upstreamPollOnce(ctx context.Context) {
	const pageSize = 50
	for page := 0; ; page++ {
		remotes, err := c.prov.List(ctx, page, pageSize, "")
		if err != nil {
			applog.Errorf("reconcile", "upstream poll: list page %d: %v", page, err)
			return
		}
		if len(remotes) == 0 {
			return
		}
		for _, rc := range remotes {
			c.reconcileOne(ctx, rc)
		}
		if len(remotes) < pageSize {
			return
		}
	}
}

func (c *Controller) reconcileOne(ctx context.Context, rc provider.RemoteContainer) {
	newStatus := model.CanonicalStatus(rc.RawStatus)

	existing, known := c.get(rc.Hash)
	if !known {
		cont := &model.Container{
			HostID:         rc.HostID,
			Hash:           rc.Hash,
			Name:           rc.Name,
			AddedAt:        time.Now(),
			RemoteStatus:   newStatus,
			LifecycleState: model.LifecycleActive,
			Files:          buildFiles(rc),
		}
		c.put(cont)
		if err := c.store.Save(store.DirActive, cont); err != nil {
			applog.Errorf("reconcile", "persist new container %s: %v", cont.Hash, err)
		}
		if newStatus == model.StatusDownloaded && c.shouldRunCompletion(cont.Hash) {
			c.runCompletionPipeline(ctx, cont)
		}
		return
	}

	if existing.RemoteStatus == newStatus {
		return
	}

	wasDownloaded := existing.RemoteStatus == model.StatusDownloaded
	existing.RemoteStatus = newStatus
	if err := c.store.Save(store.DirActive, existing); err != nil {
		applog.Errorf("reconcile", "persist status change %s: %v", existing.Hash, err)
	}

	if !wasDownloaded && newStatus == model.StatusDownloaded && c.shouldRunCompletion(existing.Hash) {
		c.runCompletionPipeline(ctx, existing)
	}
}

func buildFiles(rc provider.RemoteContainer) []*model.File {
	files := make([]*model.File, 0, len(rc.Files))
	for _, rf := range rc.Files {
		files = append(files, &model.File{
			FileID:         rf.FileID,
			Size:           rf.Size,
			RestrictedLink: rf.RestrictedLink,
		})
	}
	return files
}
