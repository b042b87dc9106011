package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/reconcile"
)

var reconcileScanDir string

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile the download history against files on disk",
	Long: `Checks every download record against the filesystem: completed
downloads whose file has disappeared are marked Missing, and Missing or
Imported records whose file is back are marked Completed again.

Records with a known hash that are still missing are then searched for in
the save directory, so renamed or moved files are found and re-linked.`,
	Run: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileScanDir, "scan-dir", "", "Directory to scan for renamed files (defaults to SavePath)")
}

func runReconcile(cmd *cobra.Command, args []string) {
	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	scanRoot := reconcileScanDir
	if scanRoot == "" {
		scanRoot = globalConfig.SavePath
	}
	if scanRoot == "" {
		log.Warn("No scan directory configured, skipping the rename scan")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := &reconcile.Engine{Ledger: ledger}
	counts, err := engine.Reconcile(ctx, scanRoot)
	if err != nil {
		log.WithError(err).Fatal("Reconciliation failed")
	}

	log.Infof("Reconciliation finished: %d missing, %d restored, %d restored from renamed files",
		counts.Missing, counts.Restored, counts.RenamedRestored)
	log.Infof("Scanned %d files, hashed %d", counts.ScannedFiles, counts.HashedFiles)
}
