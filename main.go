// ktrdr-core is the single binary for the coordination substrate: it
// runs the coordinator, a worker, or the schema migration depending on
// the subcommand.
package main

import "core.ktrdr.dev/cli"

func main() {
	cli.Execute()
}
