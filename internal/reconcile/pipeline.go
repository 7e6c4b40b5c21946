package reconcile

import (
	"context"
	"path/filepath"

	"github.com/ossianhanning/aio-rdb-vfs/internal/applog"
	"github.com/ossianhanning/aio-rdb-vfs/internal/model"
	"github.com/ossianhanning/aio-rdb-vfs/internal/store"
)

// runCompletionPipeline implements spec.md §4.F loop 2: refresh full
// info, reject containers carrying a blocked extension, resolve every
// selected file to a fetchable URL, and mark the container
// `problematic` only if every link fails or the file/link counts don't
// match.
func (c *Controller) runCompletionPipeline(ctx context.Context, cont *model.Container) {
	info, err := c.prov.Info(ctx, cont.HostID)
	if err != nil {
		applog.Errorf("reconcile", "completion: info %s: %v", cont.Hash, err)
		return
	}

	for _, rf := range info.Files {
		if c.cfg.IsBlockedExtension(filepath.Ext(rf.Name)) {
			c.markProblematic(cont, "blocked file extension: "+rf.Name)
			return
		}
	}

	if len(cont.Files) > 0 && len(cont.Files) != len(info.Files) {
		c.markProblematic(cont, "file/link count mismatch")
		return
	}

	resolved := 0
	for _, rf := range info.Files {
		result, err := c.prov.Unrestrict(ctx, rf.RestrictedLink)
		if err != nil {
			applog.Errorf("reconcile", "completion: unrestrict %s/%s: %v", cont.Hash, rf.FileID, err)
			continue
		}

		f := cont.FindFile(rf.FileID)
		if f == nil {
			f = &model.File{FileID: rf.FileID, Size: rf.Size, RestrictedLink: rf.RestrictedLink}
			cont.Files = append(cont.Files, f)
		}
		f.DownloadURL = result.Link
		if result.Size > 0 {
			f.Size = result.Size
		}

		name := rf.Name
		if name == "" {
			name = result.Filename
		}
		path := "/" + cont.Name + "/" + name
		if _, err := c.ns.AddFile(path, cont.Hash, f); err != nil {
			applog.Errorf("reconcile", "completion: namespace add %s: %v", path, err)
			continue
		}
		resolved++
	}

	if resolved == 0 && len(info.Files) > 0 {
		c.markProblematic(cont, "all links failed to unrestrict")
		return
	}

	if err := c.store.Save(store.DirActive, cont); err != nil {
		applog.Errorf("reconcile", "completion: persist %s: %v", cont.Hash, err)
	}
}

// markProblematic transitions cont to the problematic lifecycle state
// and relocates its descriptor.
func (c *Controller) markProblematic(cont *model.Container, reason string) {
	cont.LifecycleState = model.LifecycleProblematic
	cont.ProblemReason = reason
	if err := c.store.Save(store.DirProblematic, cont); err != nil {
		applog.Errorf("reconcile", "mark problematic %s: %v", cont.Hash, err)
		return
	}
	applog.Infof("reconcile", "container %s marked problematic: %s", cont.Hash, reason)
}
