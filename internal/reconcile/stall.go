package reconcile

import (
	"context"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
)

func isStallCandidate(status model.RemoteStatus) bool {
	return status == model.StatusDownloading || status == model.StatusQueued || status == model.StatusStalled
}

// stallDetectionOnce implements spec.md §4.F loop 3: refresh speed and
// seeder counts for in-progress containers, and mark+delete any whose
// speed or seeder count has been below threshold (or whose upstream
// status itself reports stalled) for stall_detection_minutes.
func (c *Controller) stallDetectionOnce(ctx context.Context) {
	for _, cont := range c.snapshot() {
		if !isStallCandidate(cont.RemoteStatus) {
			continue
		}

		info, err := c.prov.Info(ctx, cont.HostID)
		if err != nil {
			applog.Errorf("reconcile", "stall detection: info %s: %v", cont.Hash, err)
			continue
		}

		newStatus := model.CanonicalStatus(info.RawStatus)
		lowSpeed := info.Speed < c.cfg.StallSpeedBytesPerSec
		noSeeders := info.Seeders == 0
		reportedStalled := newStatus == model.StatusStalled

		if !lowSpeed && !noSeeders && !reportedStalled {
			c.clearStall(cont.Hash)
			if cont.RemoteStatus != newStatus {
				cont.RemoteStatus = newStatus
			}
			continue
		}

		since := c.markStallObserved(cont.Hash)
		if time.Since(since) >= c.cfg.StallDetection() {
			c.handleStalled(ctx, cont)
			c.clearStall(cont.Hash)
		}
	}
}

func (c *Controller) markStallObserved(hash string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	since, ok := c.stallSince[hash]
	if !ok {
		since = time.Now()
		c.stallSince[hash] = since
	}
	return since
}

func (c *Controller) clearStall(hash string) {
	c.mu.Lock()
	delete(c.stallSince, hash)
	c.mu.Unlock()
}

func (c *Controller) handleStalled(ctx context.Context, cont *model.Container) {
	if err := c.prov.Delete(ctx, cont.HostID); err != nil {
		applog.Errorf("reconcile", "stall: delete upstream %s: %v", cont.Hash, err)
	}
	c.markProblematic(cont, "stalled: speed/seeders below threshold")
}
