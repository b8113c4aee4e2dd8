package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvester/harvester"
)

var noServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach the browser and drive runs until interrupted",
	Long: `Launch or attach to Chrome, resume any active run, and tick the run
state machine on route changes, store changes and a coarse poll. The control
API is served on server.listen unless --no-server is given.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the control tools over MCP on stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func init() {
	runCmd.Flags().BoolVar(&noServer, "no-server", false, "do not serve the control API")
	rootCmd.AddCommand(runCmd, mcpCmd)
}

func loadConfig() (*harvester.Config, error) {
	if configPath == "" {
		return harvester.DefaultConfig(), nil
	}
	cfg, err := harvester.LoadConfigFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := harvester.OpenDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := harvester.BuildSinks(ctx, cfg, logger)
	if err != nil {
		return err
	}

	sess, err := harvester.AttachBrowser(ctx, cfg, logger)
	if err != nil {
		out.Close()
		return err
	}
	defer sess.Close()

	h, err := harvester.New(cfg, db, harvester.Options{Logger: logger, Site: sess.Site, Sink: out})
	if err != nil {
		out.Close()
		return err
	}
	defer h.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(ctx) })

	if !noServer {
		srv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("harvester: control API", "addr", cfg.Server.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("control API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func runMCP(cmd *cobra.Command, _ []string) error {
	h, closeDB, err := openControl()
	if err != nil {
		return err
	}
	defer closeDB()

	srv := mcp.NewServer(&mcp.Implementation{Name: "harvester", Version: "1.0.0"}, nil)
	h.RegisterMCP(srv)
	return srv.Run(cmd.Context(), &mcp.StdioTransport{})
}
