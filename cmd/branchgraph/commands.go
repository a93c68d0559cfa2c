package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/sanonone/branchgraph/internal/mcp"
	"github.com/sanonone/branchgraph/internal/server"
	"github.com/sanonone/branchgraph/pkg/branch"
	"github.com/sanonone/branchgraph/pkg/config"
	"github.com/sanonone/branchgraph/pkg/engine"
	"github.com/sanonone/branchgraph/pkg/graph"
	"github.com/sanonone/branchgraph/pkg/migration"
)

// app carries the persistent flags shared by every command.
type app struct {
	configPath string
	backend    string
	dataDir    string
	out        io.Writer
	errOut     io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "branchgraph",
		Short:         "Branch-aware temporal property graph",
		Long:          "branchgraph stores a property graph whose edges carry a branch and a validity window,\nand rewrites its schema through versioned migrations.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "storage backend override (memory, sqlite, badger)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory override")

	root.AddCommand(
		a.serveCmd(),
		a.migrateCmd(),
		a.branchCmd(),
		a.mcpCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the build version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// load reads the configuration and applies flag overrides.
func (a *app) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if a.backend != "" {
		cfg.Storage.Backend = a.backend
	}
	if a.dataDir != "" {
		cfg.Storage.DataDir = a.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	logger := cfg.Log.NewLogger(a.errOut)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func (a *app) open(ctx context.Context) (*engine.Engine, *slog.Logger, error) {
	cfg, logger, err := a.load()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, logger, nil
}

// --- serve ---

func (a *app) serveCmd() *cobra.Command {
	var (
		httpAddr  string
		authToken string
		migrate   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, logger, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			if migrate {
				m, err := eng.LoadMigrations()
				if err != nil {
					return err
				}
				if _, err := eng.Migrate(ctx, m); err != nil {
					return fmt.Errorf("startup migrations: %w", err)
				}
			}

			cfg := eng.Config().Server
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if authToken != "" {
				cfg.AuthToken = authToken
			}
			if cfg.AuthToken == "" {
				logger.Warn("No auth token configured; the HTTP API is unauthenticated")
			}

			srv, err := server.NewServer(eng, cfg.HTTPAddr, cfg.AuthToken)
			if err != nil {
				return err
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Run() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			srv.Shutdown()
			return nil
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "listen address override")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "bearer token required by the API")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the configured migrations before serving")
	return cmd
}

// --- migrate ---

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}

	var manifest string
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			var m *migration.Manifest
			if manifest != "" {
				m, err = migration.LoadManifest(manifest)
			} else {
				m, err = eng.LoadMigrations()
			}
			if err != nil {
				return err
			}
			st, runErr := eng.Migrate(cmd.Context(), m)
			printMigrationStatus(cmd.OutOrStdout(), st)
			return runErr
		},
	}
	up.Flags().StringVarP(&manifest, "manifest", "m", "", "manifest file (defaults to migrations.manifest from the configuration)")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			v, hash, err := eng.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if hash == "" {
				hash = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (manifest %s)\n", v, hash)
			return nil
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}

func printMigrationStatus(w io.Writer, st migration.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tSTATE\tDURATION\tERROR")
	for _, r := range st.Results {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.Name, r.Version, r.State, r.Duration, r.Error)
	}
	tw.Flush()
	fmt.Fprintf(w, "graph at version %d (%s)\n", st.Version, st.State)
}

// --- branch ---

func (a *app) branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "branch",
		Short:   "Manage branches",
		Aliases: []string{"br"},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLEVEL\tPARENT\tBRANCHED AT\tISOLATED\tSTATUS")
			for _, b := range eng.Branches.List() {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%s\n", b.Name, b.Level, b.BranchedFrom, b.BranchedAt, b.Isolated, b.Status)
			}
			return tw.Flush()
		},
	}

	var (
		opts  branch.CreateOptions
		rawAt string
		rebAt string
	)
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Fork a new branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := graph.ParseTimestamp(rawAt)
			if err != nil {
				return err
			}
			opts.At = at
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			b, err := eng.Branches.Create(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (level %d, from %s at %s)\n", b.Name, b.Level, b.BranchedFrom, b.BranchedAt)
			return nil
		},
	}
	create.Flags().StringVar(&opts.From, "from", "", "parent branch (defaults to main)")
	create.Flags().StringVar(&rawAt, "at", "", "fork instant (Unix nanoseconds or RFC3339, defaults to now)")
	create.Flags().BoolVar(&opts.Isolated, "isolated", false, "hide ancestor writes made after the fork point")
	create.Flags().StringVar(&opts.Description, "description", "", "free-form description")

	rebase := &cobra.Command{
		Use:   "rebase NAME",
		Short: "Move a branch's fork point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := graph.ParseTimestamp(rebAt)
			if err != nil {
				return err
			}
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			b, err := eng.Branches.Rebase(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebased %s to %s\n", b.Name, b.BranchedAt)
			return nil
		},
	}
	rebase.Flags().StringVar(&rebAt, "at", "", "new fork instant (defaults to now)")

	closeCmd := &cobra.Command{
		Use:   "close NAME",
		Short: "Close a branch to further writes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Branches.Close(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, rebase, closeCmd)
	return cmd
}

// --- mcp ---

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve read-only graph tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, logger, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer eng.Close()

			mcp.Version = version
			logger.Info("MCP server listening on stdio")
			err = mcp.NewMCPServer(eng).Run(ctx, &mcpsdk.StdioTransport{})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
