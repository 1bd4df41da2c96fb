// Command flowcore is the meta-scheduler's command-line entry point: it
// starts a workflow run (play), drives its command channel (stop, reload,
// hold, release, trigger, set, remove, kill, poll, broadcast, ext-trigger),
// and inspects a run directory (show, dump, cat-log).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
