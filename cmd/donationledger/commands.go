package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iurnickita/donationledger/internal/auth"
	"github.com/iurnickita/donationledger/internal/config"
	"github.com/iurnickita/donationledger/internal/etransfer"
	"github.com/iurnickita/donationledger/internal/handler"
	"github.com/iurnickita/donationledger/internal/receipt"
	"github.com/iurnickita/donationledger/internal/store"
)

type loader func() (config.Config, error)

func serveCmd(v *viper.Viper, load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Stripe webhook and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			return handler.Serve(ctx, cfg.Handler, auth.NewAuth(cfg.Handler), app.service, app.aggregator, app.zaplog)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	if err := bindFlags(v, cmd, map[string]string{"http.addr": "addr"}); err != nil {
		panic(err)
	}
	return cmd
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Store.DBDsn == "" {
				return errors.New("migrate needs a DSN (--dsn or DONATIONLEDGER_STORE_DSN)")
			}
			st, err := store.NewPgStore(cfg.Store)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return st.Close()
		},
	}
}

func importCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "import-etransfers <file.csv>",
		Short: "Record e-transfer donations from a bank export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := etransfer.NewImporter(app.service, app.zaplog).Import(cmd.Context(), f)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rows: %d, created: %d, already recorded: %d, rejected: %d\n",
				report.Rows, report.Created, report.Replayed, len(report.Failed))
			for _, rowErr := range report.Failed {
				fmt.Fprintln(out, "  "+rowErr.Error())
			}
			if err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d rows rejected", len(report.Failed))
			}
			return nil
		},
	}
}

func resendCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "resend-receipt <donation-id|receipt-number>",
		Short: "Send the receipt of a recorded donation again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			resend := app.service.ResendReceipt
			if _, err := receipt.ParseNumber(args[0]); err == nil {
				resend = app.service.ResendReceiptByNumber
			}
			entry, err := resend(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "receipt %s queued for %s\n", receipt.Number(entry.ReceiptSeq), entry.Donor.Email)
			return nil
		},
	}
}

func issueTokenCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "issue-token <operator>",
		Short: "Issue an admin API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			tokenString, err := auth.NewAuth(cfg.Handler).IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokenString)
			return nil
		},
	}
}
