package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/downloader"
	"go-civitai-manager/internal/enrich"
	"go-civitai-manager/internal/models"
	"go-civitai-manager/internal/scheduler"
)

// downloadCmd represents the download command
var downloadCmd = &cobra.Command{
	Use:   "download [model ID...]",
	Short: "Download one or more models from Civitai",
	Long: `Downloads model files for the given model IDs, records them in the
history database, stores their metadata and fetches a few gallery images.

By default the latest version of each model is downloaded. Use --version-id
to pick a specific version, or --all-versions to fetch every version.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().Int("version-id", 0, "Download a specific version instead of the latest")
	downloadCmd.Flags().Bool("all-versions", false, "Download every version of each model")
	downloadCmd.Flags().Int("concurrency", 0, "Number of files to download at once (overrides config)")
	downloadCmd.Flags().Int("max-images", 0, "Maximum gallery images to save per version (overrides config)")

	viper.BindPFlag("download.version_id", downloadCmd.Flags().Lookup("version-id"))
	viper.BindPFlag("download.all_versions", downloadCmd.Flags().Lookup("all-versions"))
	viper.BindPFlag("download.concurrency", downloadCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("download.max_images", downloadCmd.Flags().Lookup("max-images"))
}

func runDownload(cmd *cobra.Command, args []string) {
	if globalConfig.SavePath == "" {
		log.Fatal("SavePath is not configured. Set it in config.toml or pass --save-path.")
	}

	modelIDs := make([]int, 0, len(args))
	for _, arg := range args {
		id, err := strconv.Atoi(arg)
		if err != nil {
			log.Fatalf("Invalid model ID %q: model IDs must be integers", arg)
		}
		modelIDs = append(modelIDs, id)
	}

	ledger, err := openLedger()
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer ledger.Close()

	pipeline := &enrich.Pipeline{
		Ledger:       ledger,
		HttpClient:   newDownloadClient(),
		ImagesRoot:   imagesRoot(),
		MaxImages:    globalConfig.MaxImagesPerVersion,
		MaxImageArea: globalConfig.MaxImageArea,
		PriorityTags: globalConfig.PriorityTags,
	}
	if maxImages := viper.GetInt("download.max_images"); maxImages > 0 {
		pipeline.MaxImages = maxImages
	}
	if globalConfig.BleveIndexPath != "" {
		idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
		if err != nil {
			log.WithError(err).Warn("Failed to open search index, downloads will not be indexed")
		} else {
			pipeline.Index = idx
			defer idx.Close()
		}
	}

	concurrency := viper.GetInt("download.concurrency")
	if concurrency <= 0 {
		concurrency = globalConfig.MaxConcurrentDownloads
	}

	notifier := newConsoleNotifier()
	defer notifier.stop()

	client := newApiClient()
	dl := downloader.NewDownloader(newDownloadClient(), globalConfig.ApiKey)
	sched := scheduler.New(dl, notifier, pipeline, ledger, concurrency)
	defer sched.Shutdown()

	versionID := viper.GetInt("download.version_id")
	allVersions := viper.GetBool("download.all_versions")

	submitted := 0
	seen := make(map[string]bool) // version key or file name already submitted
	for _, modelID := range modelIDs {
		model, err := client.GetModel(modelID)
		if err != nil {
			log.WithError(err).Errorf("Failed to fetch model %d, skipping", modelID)
			continue
		}

		for _, version := range selectVersions(model, versionID, allVersions) {
			file := version.PrimaryFile()
			if file == nil {
				log.Warnf("Version %d of %s has no files, skipping", version.ID, model.Name)
				continue
			}
			url := file.DownloadUrl
			if url == "" {
				url = version.DownloadUrl
			}
			if url == "" {
				log.Warnf("Version %d of %s has no download URL, skipping", version.ID, model.Name)
				continue
			}

			targetPath := filepath.Join(globalConfig.SavePath, model.Type,
				modelDirName(model), file.Name)
			if ledger.IsModelDownloaded(model.ID, version.ID, targetPath) {
				log.Infof("%s / %s is already downloaded, skipping", model.Name, version.Name)
				continue
			}

			versionKey := fmt.Sprintf("%d/%d", model.ID, version.ID)
			if seen[versionKey] || seen[file.Name] {
				continue
			}
			seen[versionKey] = true
			seen[file.Name] = true

			notifier.expect()
			sched.Submit(scheduler.Request{
				Model:      model,
				Version:    version,
				TargetPath: targetPath,
				URL:        url,
				Hashes:     file.Hashes,
				PrimaryTag: enrich.PrimaryTag(model.Tags, globalConfig.PriorityTags),
			})
			submitted++
		}
	}

	succeeded, failed := notifier.wait()

	log.Infof("Download run finished: %d succeeded, %d failed, %d submitted", succeeded, failed, submitted)
	if failed > 0 {
		log.Warnf("%d download(s) failed, see messages above", failed)
	}
}

// selectVersions picks which versions of a model to download. The API returns
// versions newest first, so "latest" is the first entry.
func selectVersions(model models.Model, versionID int, allVersions bool) []models.ModelVersion {
	if len(model.ModelVersions) == 0 {
		log.Warnf("Model %s (%d) has no versions", model.Name, model.ID)
		return nil
	}
	if versionID > 0 {
		for _, v := range model.ModelVersions {
			if v.ID == versionID {
				return []models.ModelVersion{v}
			}
		}
		log.Warnf("Model %s (%d) has no version %d", model.Name, model.ID, versionID)
		return nil
	}
	if allVersions {
		return model.ModelVersions
	}
	return model.ModelVersions[:1]
}
