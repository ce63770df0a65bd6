// updater-cli operates the package updater from the command line, against
// the same configuration and database as the server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
