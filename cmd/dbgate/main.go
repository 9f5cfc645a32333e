package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tobilg/caddyserver-dbgate-module/auth"
	"github.com/tobilg/caddyserver-dbgate-module/cache"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	debug bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dbgate",
		Short: "Session-authenticated SQL gateway",
		Long: `A standalone server and toolbox for the dbgate SQL gateway.

The gateway fronts a MySQL, PostgreSQL or DuckDB database with:
  - Session authentication for the admin, readwrite and readonly accounts
  - Role-based permissions per statement class
  - A result cache for read queries
  - Hot replacement of the connection when its settings change`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable development logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(permissionsCmd())
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// classifyCmd prints the permission class and cache eligibility of a statement.
func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <sql>",
		Short: "Show the permission class of a SQL statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "class:     %s\n", auth.Classify(query))
			fmt.Fprintf(out, "cacheable: %t\n", cache.ShouldCache(query))
			return nil
		},
	}
}

// permissionsCmd prints the statement classes granted to each role, or to
// the single role named on the command line.
func permissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions [role]",
		Short: "Show the statement classes each role may perform",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			roles := []auth.Role{auth.RoleAdmin, auth.RoleReadWrite, auth.RoleReadOnly}
			if len(args) == 1 {
				role, ok := auth.ParseRole(args[0])
				if !ok {
					return fmt.Errorf("unknown role %q", args[0])
				}
				roles = []auth.Role{role}
			}

			out := cmd.OutOrStdout()
			for _, role := range roles {
				classes := auth.Permissions(role)
				names := make([]string, len(classes))
				for i, c := range classes {
					names[i] = string(c)
				}
				fmt.Fprintf(out, "%-10s %s\n", role, strings.Join(names, ", "))
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dbgate %s\n", version)
			return nil
		},
	}
}
