package mergedview

import (
	"os"
	"time"

	"github.com/ossianhanning/aio-rdb-vfs/internal/coreerr"
)

// Attr is the subset of filesystem metadata the Mount collaborator
// needs to answer getattr/lookup, independent of any particular
// kernel-driver binding's attribute struct.
type Attr struct {
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Stat resolves canonical and returns its Attr. Every node in the
// merged view reports the uniform permissive SecurityDescriptor
// (SPEC_FULL.md §4.E "Security"); Stat itself carries no permission
// bits -- the Mount adapter sets permission bits itself and does not
// read UniformSecurityDescriptor.
func (v *View) Stat(canonical string) (Attr, error) {
	r := v.Resolve(canonical)
	switch r.Kind {
	case KindLocalFile:
		fi, err := os.Stat(r.LocalPath)
		if err != nil {
			return Attr{}, err
		}
		return Attr{Size: fi.Size(), ModTime: fi.ModTime()}, nil
	case KindVirtualFile:
		return Attr{Size: r.VirtualNode.File.Size}, nil
	case KindDirectory:
		modTime := time.Now()
		if r.HasLocal {
			if fi, err := os.Stat(r.LocalPath); err == nil {
				modTime = fi.ModTime()
			}
		}
		return Attr{IsDir: true, ModTime: modTime}, nil
	default:
		return Attr{}, coreerr.ErrNotPresent
	}
}
