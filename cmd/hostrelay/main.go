// Command hostrelay runs the control plane or a per-user worker, and
// inspects capability manifests.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
