// Command larder inspects and edits catalog entities through a persistence
// session.
package main

import (
	"os"

	"github.com/mesh-intelligence/larder/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
