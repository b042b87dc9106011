package cmd

import (
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-civitai-manager/index"
)

// deleteCmd represents the delete command
var deleteCmd = &cobra.Command{
	Use:   "delete <model ID> <version ID>",
	Short: "Delete a downloaded model version and its files",
	Long: `Removes a model version's files and gallery images from disk and
drops its catalog rows. History records are kept but marked Deleted. When
the last version of a model is removed, the model itself is dropped too.`,
	Args: cobra.ExactArgs(2),
	Run:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) {
	modelID, err := strconv.Atoi(args[0])
	if err != nil {
		log.Fatalf("Invalid model ID %q", args[0])
	}
	versionID, err := strconv.Atoi(args[1])
	if err != nil {
		log.Fatalf("Invalid version ID %q", args[1])
	}

	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	summary, err := ledger.DeleteModelVersion(modelID, versionID)
	if err != nil {
		log.WithError(err).Fatalf("Failed to delete version %d of model %d", versionID, modelID)
	}

	if globalConfig.BleveIndexPath != "" {
		idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			log.WithError(err).Warn("Failed to open search index, entry not removed")
		} else {
			if err := index.DeleteItem(idx, versionID); err != nil {
				log.WithError(err).Warn("Failed to remove version from search index")
			}
			idx.Close()
		}
	}

	log.Infof("Deleted %d model file(s) and %d image(s); %d history record(s) marked Deleted",
		summary.DeletedFiles, summary.DeletedImageFiles, summary.HistoryMarked)
	if summary.ModelDeleted {
		log.Infof("Model %d had no versions left and was removed from the catalog", modelID)
	}
}
