package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stackup/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createUpCommand(globalFlags),
		createStatusCommand(),
		createRestartCommand(),
		createHistoryCommand(),
		createPortsCommand(),
		createConfigCommand(globalFlags),
		createTokenCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackup",
		Short: "Start a local PostgreSQL and backend together",
		Long: `Stackup brings up an embedded PostgreSQL and an application backend in
order, waits until each is ready, keeps their ports stable across runs and
stops both on exit.

Examples:
  stackup up                        # Start everything and wait for Ctrl-C
  stackup up --listen 127.0.0.1:8765
  stackup status                    # Ask a running 'stackup up'
  stackup restart backend
  stackup ports check 5433 5001`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createUpCommand(globalFlags *GlobalFlags) *cobra.Command {
	upFlags := &UpFlags{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start all services and supervise them until interrupted",
		Long: `Start PostgreSQL, then the backend, waiting for each to become ready.
Ports remembered from the last successful run are preferred; a busy port
moves to the next free one. SIGINT or SIGTERM stops everything in reverse order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			upFlags.ConfigPath = globalFlags.ConfigPath
			return runUp(cmd.Context(), cmd.OutOrStdout(), *upFlags)
		},
	}
	cmd.Flags().StringVar(&upFlags.DataDir, "data-dir", "", "override data_dir")
	cmd.Flags().StringVar(&upFlags.Listen, "listen", "", "serve the status API on this address")
	cmd.Flags().BoolVar(&upFlags.NoBackend, "no-backend", false, "start only the database")
	cmd.Flags().BoolVar(&upFlags.NoDatabase, "no-database", false, "start only the backend")
	cmd.Flags().DurationVar(&upFlags.StopTimeout, "stop-timeout", 30*time.Second, "time allowed for shutdown")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags, timeout time.Duration) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", client.DefaultBaseURL, "status API of a running 'stackup up'")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", timeout, "request timeout")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for an HTTPS status API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
	cmd.Flags().StringVar(&f.Token, "token", os.Getenv(TokenEnv), "bearer token for [server.auth] (default $"+TokenEnv+")")
}

func createStatusCommand() *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Long: `Show the status of a running 'stackup up' through its status API.

Examples:
  stackup status
  stackup status --json
  stackup status --api-url=http://127.0.0.1:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdStatus(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}

func createRestartCommand() *cobra.Command {
	f := &RestartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <service>",
		Short: "Restart a service and everything that depends on it",
		Long: `Restart one service. Services started after it are restarted too, so
restarting postgres also restarts the backend.

Examples:
  stackup restart backend
  stackup restart postgres`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Service = args[0]
			return cmdRestart(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags, 3*time.Minute)
	return cmd
}

func createHistoryCommand() *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent startup events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdHistory(cmd.Context(), cmd.OutOrStdout(), *f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags, 10*time.Second)
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "number of events")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print raw JSON")
	return cmd
}

func createPortsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect local ports",
	}

	checkFlags := &PortsCheckFlags{}
	check := &cobra.Command{
		Use:   "check <port>...",
		Short: "Report whether ports are free and who holds them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checkFlags.Ports = checkFlags.Ports[:0]
			for _, a := range args {
				p, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("invalid port %q", a)
				}
				checkFlags.Ports = append(checkFlags.Ports, p)
			}
			return cmdPortsCheck(cmd.Context(), cmd.OutOrStdout(), *checkFlags)
		},
	}
	check.Flags().BoolVar(&checkFlags.JSON, "json", false, "print raw JSON")

	findFlags := &PortsFindFlags{}
	find := &cobra.Command{
		Use:   "find",
		Short: "Print the first free port at or above --start, or within --range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdPortsFind(cmd.OutOrStdout(), *findFlags)
		},
	}
	find.Flags().IntVar(&findFlags.Start, "start", 5433, "first port to try")
	find.Flags().IntVar(&findFlags.Span, "span", 10, "number of ports to try")
	find.Flags().StringVar(&findFlags.Range, "range", "", "inclusive window to search, e.g. 5433-5443")

	cmd.AddCommand(check, find)
	return cmd
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	showFlags := &ConfigShowFlags{}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the file and STACKUP_ environment
overrides are applied, plus the ports cached from the last successful run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			showFlags.ConfigPath = globalFlags.ConfigPath
			return cmdConfigShow(cmd.OutOrStdout(), *showFlags)
		},
	}
	show.Flags().BoolVar(&showFlags.JSON, "json", false, "print raw JSON")

	validateFlags := &ConfigValidateFlags{}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and the cached service ports",
		Long: `Load the configuration and strictly read the service config cache in
data_dir. Startup silently falls back to defaults for a cache that fails
these checks; this command reports why.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			validateFlags.ConfigPath = globalFlags.ConfigPath
			return cmdConfigValidate(cmd.OutOrStdout(), *validateFlags)
		},
	}
	cmd.AddCommand(show, validate)
	return cmd
}

func createTokenCommand() *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate a status API token and its bcrypt hash",
		Long: `Print a new random token and the token_hash to put under [server.auth].
Clients pass the token with --token or $` + TokenEnv + `.

Examples:
  stackup token
  stackup token --from existing-secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdToken(cmd.OutOrStdout(), *f)
		},
	}
	cmd.Flags().StringVar(&f.From, "from", "", "hash this token instead of generating one")
	return cmd
}
