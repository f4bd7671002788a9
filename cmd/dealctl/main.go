// Command dealctl is the operator CLI for the marketplace. It talks to the
// database directly, so it works while the API server is down.
//
// Usage:
//
//	dealctl networks
//	dealctl deals --status waiting_moderator
//	dealctl sweep
//	dealctl resolve --deal deal_... --seller 60 --buyer 90 --receipt '{"tx":"0x..."}'
//	dealctl close --deal deal_...
//	dealctl reject --offer ofr_...
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mbd888/fomorip/internal/logging"
)

// Build info - set by ldflags
var Version = "dev"

func main() {
	logger := logging.New("info", "text")

	app := &cli.App{
		Name:    "dealctl",
		Usage:   "inspect and moderate marketplace deals",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "warn",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			cmdNetworks,
			cmdDeals,
			cmdSweep,
			cmdResolve,
			cmdClose,
			cmdReject,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		logger.Error("dealctl failed", "error", err)
		os.Exit(1)
	}
}
