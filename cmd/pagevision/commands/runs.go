package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/pagevision/cmd/pagevision/ui"
	"github.com/spherical-ai/pagevision/internal/store"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent processing runs",
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum entries to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Ledger.Enabled {
		return fmt.Errorf("run ledger is disabled in config")
	}

	ui.Init(noColor, verbose)

	db, err := store.OpenLedger(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := store.NewRunRepository(db).List(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID.String()[:8],
			r.CreatedAt.Format("2006-01-02 15:04"),
			filepath.Base(r.Source),
			formatPageRange(r.StartPage, r.EndPage),
			r.Mode,
			r.Engine,
			r.Status,
		})
	}

	ui.Table([]string{"ID", "Started", "Source", "Pages", "Mode", "Engine", "Status"}, rows)
	return nil
}
