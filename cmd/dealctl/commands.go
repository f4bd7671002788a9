package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/urfave/cli/v2"

	"github.com/mbd888/fomorip/internal/chain"
	"github.com/mbd888/fomorip/internal/config"
	"github.com/mbd888/fomorip/internal/logging"
	"github.com/mbd888/fomorip/internal/market"
)

var dealFlag = &cli.StringFlag{
	Name:     "deal",
	Usage:    "deal id (deal_...)",
	Required: true,
}

var cmdNetworks = &cli.Command{
	Name:  "networks",
	Usage: "List the network table after file and environment overrides",
	Action: func(cctx *cli.Context) error {
		_ = godotenv.Load()
		reg, err := chain.LoadRegistry(os.Getenv("NETWORKS_FILE"), os.Getenv)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cctx.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tCHAIN ID\tTOKEN\tDECIMALS\tESCROW\tCONFIGURED")
		for _, n := range reg.List() {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%t\n",
				n.Name, n.ChainID, n.TokenName, n.TokenDecimals, orDash(n.EscrowAddr), n.Configured())
		}
		return tw.Flush()
	},
}

var cmdDeals = &cli.Command{
	Name:  "deals",
	Usage: "List deals in a status",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "status", Value: market.DealWaitingModerator.String()},
		&cli.IntFlag{Name: "limit", Value: 50},
	},
	Action: func(cctx *cli.Context) error {
		status, err := market.ParseDealStatus(cctx.String("status"))
		if err != nil {
			return err
		}
		return withService(cctx, func(svc *market.Service) error {
			deals, err := svc.ListDeals(cctx.Context, status, cctx.Int("limit"))
			if err != nil {
				return err
			}
			return printJSON(cctx.App.Writer, deals)
		})
	},
}

var cmdSweep = &cli.Command{
	Name:  "sweep",
	Usage: "Run one sweeper pass (promotions and deal timeouts) and exit",
	Action: func(cctx *cli.Context) error {
		return withService(cctx, func(svc *market.Service) error {
			stats := market.NewSweeper(svc, cliLogger(cctx)).SweepOnce(cctx.Context)
			return printJSON(cctx.App.Writer, stats)
		})
	},
}

var cmdResolve = &cli.Command{
	Name:  "resolve",
	Usage: "Record the arbitration outcome for a disputed deal",
	Flags: []cli.Flag{
		dealFlag,
		&cli.StringFlag{Name: "seller", Usage: "amount paid to the seller", Value: "0"},
		&cli.StringFlag{Name: "buyer", Usage: "amount paid to the buyer", Value: "0"},
		&cli.StringFlag{Name: "receipt", Usage: "JSON settlement receipt"},
	},
	Action: func(cctx *cli.Context) error {
		res := market.Resolution{
			PayToSeller: cctx.String("seller"),
			PayToBuyer:  cctx.String("buyer"),
		}
		if raw := cctx.String("receipt"); raw != "" {
			if !json.Valid([]byte(raw)) {
				return errors.New("receipt is not valid JSON")
			}
			res.Receipt = json.RawMessage(raw)
		}
		return withService(cctx, func(svc *market.Service) error {
			a, err := svc.ResolveArbitration(cctx.Context, cctx.String("deal"), res)
			if err != nil {
				return err
			}
			return printJSON(cctx.App.Writer, a)
		})
	},
}

var cmdClose = &cli.Command{
	Name:  "close",
	Usage: "Close a deal that finished through arbitration",
	Flags: []cli.Flag{dealFlag},
	Action: func(cctx *cli.Context) error {
		return withService(cctx, func(svc *market.Service) error {
			d, err := svc.CloseDeal(cctx.Context, cctx.String("deal"))
			if err != nil {
				return err
			}
			return printJSON(cctx.App.Writer, d)
		})
	},
}

var cmdReject = &cli.Command{
	Name:  "reject",
	Usage: "Reject an offer still in moderation",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "offer", Usage: "offer id (ofr_...)", Required: true},
	},
	Action: func(cctx *cli.Context) error {
		return withService(cctx, func(svc *market.Service) error {
			o, err := svc.RejectOffer(cctx.Context, cctx.String("offer"))
			if err != nil {
				return err
			}
			return printJSON(cctx.App.Writer, o)
		})
	},
}

// withService opens the database and builds a marketplace service over it.
func withService(cctx *cli.Context, fn func(*market.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	log := cliLogger(cctx)

	networks, err := chain.LoadRegistry(cfg.NetworksFile, os.Getenv)
	if err != nil {
		return err
	}
	signer, err := chain.NewSigner(cfg.SignerKey, networks)
	if err != nil {
		return err
	}
	reader, err := chain.NewContractReader(networks, log)
	if err != nil {
		return err
	}
	adapter := chain.NewAdapter(signer, reader)
	defer func() { _ = adapter.Close() }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(cctx.Context); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	mcfg := market.DefaultConfig()
	mcfg.FeePercent = cfg.FeePercent
	mcfg.MinPrice = cfg.MinPrice
	mcfg.StatusTimeout = cfg.StatusTimeout
	mcfg.CompletionTimeout = cfg.CompletionTimeout
	mcfg.ModerationDelay = cfg.ModerationDelay

	svc := market.NewService(market.NewPostgresStore(db, log), adapter, networks, mcfg, log)
	return fn(svc)
}

func cliLogger(cctx *cli.Context) *slog.Logger {
	return logging.New(cctx.String("log-level"), "text")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
