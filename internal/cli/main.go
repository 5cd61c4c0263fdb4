// Package cli implements the opsync command line.
package cli

import (
	"context"
	"fmt"
	"os"
)

// Main parses args and runs the selected command until it finishes or ctx
// is canceled. It is called from cmd/opsync and from tests.
//
//	opsync serve                 run the development document server
//	opsync watch                 synchronize and report the aggregate state
//	opsync watch --once          stop after the first complete load
func Main(ctx context.Context, args []string) error {
	cmd, cfg, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	app := New(cfg, os.Stdout)

	switch c := cmd.(type) {
	case *ServeCommand:
		if err := app.Serve(ctx, c); err != nil {
			return fmt.Errorf("serve failed: %w", err)
		}
	case *WatchCommand:
		if err := app.Watch(ctx, c); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}
	return nil
}
