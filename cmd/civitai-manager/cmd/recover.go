package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/recovery"
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover [folder]",
	Short: "Register model files found on disk into the database",
	Long: `Scans a folder for model files, identifies each one by hash against
the Civitai API and registers recognized files in the download history with
their metadata and a few gallery images.

The whole run is one database transaction: interrupting it rolls every
registration back. Defaults to scanning SavePath.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

// recoverReporter prints per-file progress on a uilive writer.
type recoverReporter struct {
	writer *uilive.Writer
}

func (r *recoverReporter) FileStarted(path string) {
	fmt.Fprintf(r.writer, "Hashing: %s\n", filepath.Base(path))
}

func (r *recoverReporter) FileFinished(result recovery.FileResult) {
	fmt.Fprintf(r.writer.Newline(), "%-9s %s: %s\n", result.Outcome, filepath.Base(result.Path), result.Message)
}

func runRecover(cmd *cobra.Command, args []string) {
	folder := globalConfig.SavePath
	if len(args) > 0 {
		folder = args[0]
	}
	if folder == "" {
		log.Fatal("No folder given and SavePath is not configured.")
	}

	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	engine := &recovery.Engine{
		Ledger:       ledger,
		Catalog:      newApiClient(),
		HttpClient:   newDownloadClient(),
		ImagesRoot:   imagesRoot(),
		PriorityTags: globalConfig.PriorityTags,
		Reporter:     &recoverReporter{writer: writer},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := engine.Run(ctx, folder)
	if err != nil {
		log.WithError(err).Fatal("Recovery failed, no changes were saved")
	}

	log.Infof("Recovery finished: %d registered, %d failed, %d skipped, %d duplicates",
		summary.Successful, summary.Failed, summary.Skipped, summary.Duplicates)
}
