package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/internal/database"
)

var historyOutFile string
var historyInFile string
var historyMinimal bool

// historyCmd represents the history command group
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect, export and import the download history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the download history, newest first",
	Run:   runHistoryList,
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the download history to a JSON file",
	Long: `Exports the download history as JSON. The full export carries model
and version metadata plus image references and local paths, so it can rebuild
a database on the same machine. --minimal strips local paths and images for
sharing with another machine or user.`,
	Run: runHistoryExport,
}

var historyImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a previously exported history file",
	Long: `Merges an exported history file into the local database. Records
imported without a local file path are stored with status Imported; the
reconcile command can later match them against files on disk.`,
	Run: runHistoryImport,
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all download history records",
	Run:   runHistoryClear,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyCmd.AddCommand(historyImportCmd)
	historyCmd.AddCommand(historyClearCmd)

	historyExportCmd.Flags().StringVar(&historyOutFile, "out", "history_export.json", "Output file path")
	historyExportCmd.Flags().BoolVar(&historyMinimal, "minimal", false, "Strip local paths and images from the export")
	historyImportCmd.Flags().StringVar(&historyInFile, "in", "", "History file to import (required)")
	historyImportCmd.MarkFlagRequired("in")
}

func runHistoryList(cmd *cobra.Command, args []string) {
	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	records, err := ledger.GetDownloadHistory()
	if err != nil {
		log.WithError(err).Fatal("Failed to read download history")
	}
	if len(records) == 0 {
		fmt.Println("No download history.")
		return
	}

	for _, r := range records {
		line := fmt.Sprintf("%s  [%-9s] %s / %s (%s, %.1f MB)",
			r.DownloadDate, r.Status, r.ModelName, r.VersionName, r.ModelType, r.FileSizeMB)
		if r.FilePath != "" {
			line += "  " + r.FilePath
		}
		fmt.Println(line)
	}
	fmt.Printf("%d record(s)\n", len(records))
}

func runHistoryExport(cmd *cobra.Command, args []string) {
	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	var items []database.HistoryExportItem
	if historyMinimal {
		items, err = ledger.MinimalExport()
	} else {
		items, err = ledger.FullExport()
	}
	if err != nil {
		log.WithError(err).Fatal("Failed to build history export")
	}

	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		log.WithError(err).Fatal("Failed to encode history export")
	}
	if err := os.WriteFile(historyOutFile, data, 0644); err != nil {
		log.WithError(err).Fatalf("Failed to write %s", historyOutFile)
	}

	log.Infof("Exported %d record(s) to %s", len(items), historyOutFile)
}

func runHistoryImport(cmd *cobra.Command, args []string) {
	data, err := os.ReadFile(historyInFile)
	if err != nil {
		log.WithError(err).Fatalf("Failed to read %s", historyInFile)
	}
	var items []database.HistoryExportItem
	if err := json.Unmarshal(data, &items); err != nil {
		log.WithError(err).Fatalf("Failed to parse %s", historyInFile)
	}

	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	summary, err := ledger.ImportHistory(items)
	if err != nil {
		log.WithError(err).Fatal("History import failed")
	}

	log.Infof("Import finished: %d inserted, %d updated, %d skipped",
		summary.Inserted, summary.Updated, summary.Skipped)
}

func runHistoryClear(cmd *cobra.Command, args []string) {
	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	if err := ledger.ClearHistory(); err != nil {
		log.WithError(err).Fatal("Failed to clear download history")
	}
	log.Info("Download history cleared.")
}
