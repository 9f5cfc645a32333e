package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tobilg/caddyserver-dbgate-module/config"
	"github.com/tobilg/caddyserver-dbgate-module/database"
)

// checkCmd connects once with the settings from a config file, lists the
// schemas and disconnects.
func checkCmd() *cobra.Command {
	var configPath, driver string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that the configured database is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, configPath, driver, timeout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the connection config file (required)")
	cmd.Flags().StringVar(&driver, "driver", "mysql", "Database driver: mysql, postgres or duckdb")
	cmd.Flags().DurationVar(&timeout, "timeout", database.DefaultConnectTimeout, "Connect timeout")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runCheck(cmd *cobra.Command, configPath, driver string, timeout time.Duration) error {
	dialect, err := database.DialectByName(driver)
	if err != nil {
		return err
	}
	src, err := config.NewFileSource(config.FileConfig{Path: configPath})
	if err != nil {
		return err
	}
	cfg := src.Current()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connector := &database.SQLConnector{Dialect: dialect, ConnectTimeout: timeout, MaxOpenConns: 1}
	start := time.Now()
	conn, err := connector.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	stmt := database.BuildListDatabases(dialect)
	res, err := conn.Execute(ctx, stmt.Query, stmt.Params)
	if err != nil {
		return fmt.Errorf("failed to list databases: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connected to %s (%s) in %s\n\n", cfg.String(), dialect.Name, time.Since(start).Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATABASE")
	fmt.Fprintln(w, "--------")
	for _, row := range res.Values() {
		if len(row) > 0 {
			fmt.Fprintf(w, "%v\n", row[0])
		}
	}
	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d database(s)\n", len(res.Rows))
	return nil
}
