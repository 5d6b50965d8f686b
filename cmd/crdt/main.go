// Command crdt is an offline-first todo list replicated through a
// message-log CRDT, and the sync server that relays it.
package main

import (
	"os"

	"github.com/danielstaleiny/CRDT-sqlite/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
