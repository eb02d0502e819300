// asrtrain trains and evaluates attention-based speech
// recognition models.
//
// Usage:
//
//	asrtrain train --config config.yml
//	asrtrain decode --run_dir models/job --files test.msgpack
package main

import (
	"os"

	"github.com/unixpickle/anyasr/cmd/asrtrain/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
