package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-civitai-manager/index"
	"go-civitai-manager/internal/models"
)

var searchRemote bool
var searchReset bool

// searchCmd represents the search command
var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search downloaded models, or Civitai with --remote",
	Long: `Searches the local index of downloaded models. Queries use Bleve
query string syntax, so '+tags:style wizard' or '+baseModel:"SDXL 1.0"' work.

With --remote the query is sent to the Civitai API instead, honoring the
search filters from the configuration file and flags.

--reset deletes the local index; it is rebuilt as downloads complete.`,
	Args: cobra.ArbitraryArgs,
	Run:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().BoolVar(&searchRemote, "remote", false, "Search the Civitai API instead of the local index")
	searchCmd.Flags().BoolVar(&searchReset, "reset", false, "Delete the local search index and exit")
	searchCmd.Flags().Int("limit", 0, "Results per page for remote search (overrides config)")
	searchCmd.Flags().Int("max-pages", 1, "Maximum pages to fetch for remote search")
	searchCmd.Flags().String("tag", "", "Filter remote search by tag (overrides config)")
	searchCmd.Flags().String("username", "", "Filter remote search by creator (overrides config)")
	searchCmd.Flags().StringSlice("types", nil, "Filter remote search by model types (overrides config)")
	searchCmd.Flags().StringSlice("base-models", nil, "Filter remote search by base models (overrides config)")
	searchCmd.Flags().Bool("nsfw", false, "Include NSFW results in remote search (overrides config)")

	viper.BindPFlag("search.limit", searchCmd.Flags().Lookup("limit"))
	viper.BindPFlag("search.max_pages", searchCmd.Flags().Lookup("max-pages"))
	viper.BindPFlag("search.tag", searchCmd.Flags().Lookup("tag"))
	viper.BindPFlag("search.username", searchCmd.Flags().Lookup("username"))
	viper.BindPFlag("search.types", searchCmd.Flags().Lookup("types"))
	viper.BindPFlag("search.base_models", searchCmd.Flags().Lookup("base-models"))
	viper.BindPFlag("search.nsfw", searchCmd.Flags().Lookup("nsfw"))
}

func runSearch(cmd *cobra.Command, args []string) {
	if searchReset {
		indexPath := localIndexPath()
		if err := index.DeleteIndex(indexPath); err != nil {
			log.WithError(err).Fatalf("Failed to delete search index at %s", indexPath)
		}
		log.Infof("Deleted search index at %s", indexPath)
		return
	}
	if len(args) == 0 {
		log.Fatal("A search query is required.")
	}

	query := strings.Join(args, " ")
	if searchRemote {
		runRemoteSearch(cmd, query)
		return
	}
	runLocalSearch(query)
}

// localIndexPath resolves the on-disk bleve index location from config.
func localIndexPath() string {
	if globalConfig.BleveIndexPath != "" {
		return globalConfig.BleveIndexPath
	}
	if globalConfig.SavePath == "" {
		log.Fatal("Cannot determine index path: SavePath and BleveIndexPath are not set in config.")
	}
	return filepath.Join(globalConfig.SavePath, "civitai-manager.bleve")
}

func runLocalSearch(query string) {
	indexPath := localIndexPath()

	// Open, never create: searching should not plant an empty index.
	idx, err := bleve.Open(indexPath)
	if err != nil {
		if err == bleve.ErrorIndexPathDoesNotExist {
			log.Fatalf("No search index at %s. Download something first to create it.", indexPath)
		}
		log.WithError(err).Fatalf("Failed to open search index at %s", indexPath)
	}
	defer idx.Close()

	results, err := index.SearchIndex(idx, query)
	if err != nil {
		log.WithError(err).Fatal("Search failed")
	}

	if results.Total == 0 {
		fmt.Println("No results found matching your query.")
		return
	}
	for i, hit := range results.Hits {
		fmt.Printf("[%d] %v / %v (score %.2f)\n", i+1,
			hit.Fields["modelName"], hit.Fields["versionName"], hit.Score)
		if p, ok := hit.Fields["filePath"].(string); ok && p != "" {
			fmt.Printf("    %s\n", p)
		}
		fmt.Printf("    type=%v baseModel=%v mainTag=%v\n",
			hit.Fields["type"], hit.Fields["baseModel"], hit.Fields["mainTag"])
	}
	fmt.Printf("%d hit(s) of %d total (took %s)\n", len(results.Hits), results.Total, results.Took)
}

func runRemoteSearch(cmd *cobra.Command, query string) {
	params := remoteQueryParams(cmd, query)
	client := newApiClient()

	maxPages := viper.GetInt("search.max_pages")
	if maxPages <= 0 {
		maxPages = 1
	}

	cursor := ""
	shown := 0
	for page := 0; page < maxPages; page++ {
		nextCursor, response, err := client.GetModels(cursor, params)
		if err != nil {
			log.WithError(err).Fatal("Remote search failed")
		}
		for _, model := range response.Items {
			version := ""
			if len(model.ModelVersions) > 0 {
				version = model.ModelVersions[0].Name
			}
			fmt.Printf("[%d] %s (%s) by %s", model.ID, model.Name, model.Type, model.Creator.Username)
			if version != "" {
				fmt.Printf(", latest version: %s", version)
			}
			fmt.Println()
			shown++
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	fmt.Printf("%d model(s) found\n", shown)
}

// remoteQueryParams builds the API query from config values with flag
// overrides layered on top.
func remoteQueryParams(cmd *cobra.Command, query string) models.QueryParameters {
	params := models.QueryParameters{
		Query:      query,
		Limit:      globalConfig.Limit,
		Tag:        globalConfig.Tag,
		Username:   globalConfig.Username,
		Types:      globalConfig.ModelTypes,
		BaseModels: globalConfig.BaseModels,
		Nsfw:       globalConfig.Nsfw,
		Sort:       globalConfig.Sort,
		Period:     globalConfig.Period,
	}
	if params.Limit <= 0 {
		params.Limit = 20
	}
	if params.Sort == "" {
		params.Sort = "Highest Rated"
	}
	if params.Period == "" {
		params.Period = "AllTime"
	}

	if cmd.Flags().Changed("limit") {
		params.Limit = viper.GetInt("search.limit")
	}
	if cmd.Flags().Changed("tag") {
		params.Tag = viper.GetString("search.tag")
	}
	if cmd.Flags().Changed("username") {
		params.Username = viper.GetString("search.username")
	}
	if cmd.Flags().Changed("types") {
		params.Types = viper.GetStringSlice("search.types")
	}
	if cmd.Flags().Changed("base-models") {
		params.BaseModels = viper.GetStringSlice("search.base_models")
	}
	if cmd.Flags().Changed("nsfw") {
		params.Nsfw = viper.GetBool("search.nsfw")
	}
	return params
}
