// Package main provides the operator utility for signing key management.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/louisbranch/signet/internal/platform/config"
	"github.com/louisbranch/signet/internal/tools/signingkey"
)

func main() {
	cfg, err := signingkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := signingkey.Run(context.Background(), cfg, os.Stdout, nil); err != nil {
		config.Exitf("signing key tool: %v", err)
	}
}
