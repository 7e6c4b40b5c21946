// Command aio-rdb-vfsd is the daemon that wires the CORE packages
// (chunkstore, chunkcache, namespace, mergedview, reconcile) together
// with the three collaborator surfaces (internal/mount,
// internal/compatapi, internal/debridclient) and the ambient stack
// (internal/config, internal/applog, internal/metrics), per
// SPEC_FULL.md §4.L. Grounded on the teacher's go.mod dependency on
// spf13/cobra and spf13/pflag for command-line bootstrap.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aio-rdb-vfsd",
		Short: "Merged virtual filesystem and chunked read-through cache for a debrid-style download service",
	}
	root.AddCommand(newServeCmd())
	return root
}
