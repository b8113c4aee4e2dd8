package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/harvester/harvester"
	"github.com/hazyhaar/harvester/kit"
	"github.com/hazyhaar/harvester/ledger"
)

var (
	runID string
	apply bool
)

var startCmd = &cobra.Command{
	Use:   "start [anchor-url]",
	Short: "Start a new run from a list view URL (default site.anchor)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &harvester.StartRequest{}
		if len(args) == 1 {
			req.Anchor = args[0]
		}
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Start, req })
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the active run to stop at the next safe point",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Stop, nil })
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a stopped run where it stopped",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Resume, nil })
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Status, nil })
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Validate indexed records; with --apply drop the invalid ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := &harvester.RepairRequest{RunID: runID, Apply: apply}
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Repair, req })
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "List indexed records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := &harvester.IndexRequest{RunID: runID}
		return control(cmd, func(ep harvester.Endpoints) (kit.Endpoint, any) { return ep.Index, req })
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Export a run's ledger as JSON lines (default: the current run)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		h, closeDB, err := openControl()
		if err != nil {
			return err
		}
		defer closeDB()
		n, err := h.ExportLedger(cmd.Context(), runID, os.Stdout)
		if err != nil {
			return err
		}
		logger.Info("harvester: ledger exported", "events", n)
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify <file.jsonl|->",
	Short: "Check an exported ledger for gaps and mixed runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		sum, err := ledger.VerifyJSONL(in)
		if err != nil {
			return err
		}
		return printJSON(sum)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	repairCmd.Flags().StringVar(&runID, "run", "", "run id (default: every run)")
	repairCmd.Flags().BoolVar(&apply, "apply", false, "remove invalid entries instead of only reporting them")
	indexCmd.Flags().StringVar(&runID, "run", "", "run id (default: every run)")
	ledgerCmd.Flags().StringVar(&runID, "run", "", "run id (default: the current run)")
	rootCmd.AddCommand(startCmd, stopCmd, resumeCmd, statusCmd, repairCmd, indexCmd, ledgerCmd)
}

// openControl opens the store without a browser.
func openControl() (*harvester.Harvester, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := harvester.OpenDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	h, err := harvester.New(cfg, db, harvester.Options{Logger: logger})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return h, func() { db.Close() }, nil
}

// control runs one endpoint against the store and prints its response.
func control(cmd *cobra.Command, pick func(harvester.Endpoints) (kit.Endpoint, any)) error {
	h, closeDB, err := openControl()
	if err != nil {
		return err
	}
	defer closeDB()

	endpoint, req := pick(h.Endpoints())
	resp, err := kit.Call(cmd.Context(), endpoint, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}
