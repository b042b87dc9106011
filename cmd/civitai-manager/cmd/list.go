package cmd

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var listModelID int
var listBaseModels bool
var listTypes bool

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloaded models from the local database",
	Long: `Lists everything registered in the download database, newest first.
Use --model to show the stored versions of one model, or --base-models /
--types to print the distinct base models and model types on record.`,
	Run: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVar(&listModelID, "model", 0, "List the stored versions of one model ID")
	listCmd.Flags().BoolVar(&listBaseModels, "base-models", false, "Print the distinct base models on record")
	listCmd.Flags().BoolVar(&listTypes, "types", false, "Print the distinct model types on record")
}

func runList(cmd *cobra.Command, args []string) {
	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	if listBaseModels || listTypes {
		if listBaseModels {
			values, err := ledger.GetDownloadedBaseModels()
			if err != nil {
				log.WithError(err).Fatal("Failed to read base models")
			}
			fmt.Printf("Base models: %s\n", strings.Join(values, ", "))
		}
		if listTypes {
			values, err := ledger.GetDownloadedModelTypes()
			if err != nil {
				log.WithError(err).Fatal("Failed to read model types")
			}
			fmt.Printf("Model types: %s\n", strings.Join(values, ", "))
		}
		return
	}

	if listModelID > 0 {
		versions, err := ledger.GetModelVersions(listModelID)
		if err != nil {
			log.WithError(err).Fatalf("Failed to read versions of model %d", listModelID)
		}
		if len(versions) == 0 {
			fmt.Printf("No stored versions for model %d.\n", listModelID)
			return
		}
		for _, v := range versions {
			fmt.Printf("[%d] %s (%s, published %s)\n", v.ID, v.Name, v.BaseModel, v.PublishedAt)
			if len(v.TrainedWords) > 0 {
				fmt.Printf("    trigger words: %s\n", strings.Join(v.TrainedWords, ", "))
			}
		}
		return
	}

	downloads, err := ledger.GetDownloadedModels()
	if err != nil {
		log.WithError(err).Fatal("Failed to read downloaded models")
	}
	if len(downloads) == 0 {
		fmt.Println("Nothing downloaded yet.")
		return
	}

	missing, err := ledger.MissingStatusByModel()
	if err != nil {
		log.WithError(err).Warn("Failed to check for missing files")
	}

	for _, dm := range downloads {
		marker := " "
		if missing[dm.ModelID] {
			marker = "!"
		}
		fmt.Printf("%s %s  %s / %s (%s, #%s, %d image(s))\n",
			marker, dm.DownloadDate, dm.ModelName, dm.VersionName, dm.ModelType, dm.MainTag, len(dm.Images))
	}
	fmt.Printf("%d download(s); entries marked ! have at least one missing file\n", len(downloads))
}
