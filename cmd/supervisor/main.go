// supervisor is the control-plane service that submits jobs to runners and
// keeps their state reconciled, plus a CLI for its HTTP API.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
