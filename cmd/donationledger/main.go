package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iurnickita/donationledger/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	v := config.NewViper()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "donationledger",
		Short:         "Donation ledger: payment ingestion, cause allocation and partner distributions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN; empty keeps the ledger in memory")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	if err := bindFlags(v, rootCmd, map[string]string{"store.dsn": "dsn", "log.level": "log-level"}); err != nil {
		return err
	}

	load := func() (config.Config, error) {
		return config.GetConfig(v, configFile)
	}

	rootCmd.AddCommand(serveCmd(v, load))
	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(importCmd(load))
	rootCmd.AddCommand(resendCmd(load))
	rootCmd.AddCommand(issueTokenCmd(load))

	return rootCmd.ExecuteContext(context.Background())
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		f := cmd.PersistentFlags().Lookup(flag)
		if f == nil {
			f = cmd.Flags().Lookup(flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}
