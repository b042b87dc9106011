package index

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"

	"go-civitai-manager/internal/models"
)

const defaultIndexPath = "civitai-manager.bleve"

// Item is one downloaded model version in the local search index. All
// fields are indexed and searchable by their lowercase JSON tag names
// (e.g. query '+creatorName:someuser' or '+tags:style').
type Item struct {
	ID          string   `json:"id"`   // v_<version_id>
	Type        string   `json:"type"` // model type (LORA, Checkpoint, ...)
	Name        string   `json:"name"` // file name
	Description string   `json:"description"`
	FilePath    string   `json:"filePath"`
	ModelID     int      `json:"modelId"`
	ModelName   string   `json:"modelName,omitempty"`
	VersionID   int      `json:"versionId"`
	VersionName string   `json:"versionName,omitempty"`
	BaseModel   string   `json:"baseModel,omitempty"`
	CreatorName string   `json:"creatorName,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	MainTag     string   `json:"mainTag,omitempty"`

	PublishedAt          time.Time `json:"publishedAt,omitempty"`
	VersionDownloadCount float64   `json:"versionDownloadCount,omitempty"`
	VersionRating        float64   `json:"versionRating,omitempty"`
	FileSizeKB           float64   `json:"fileSizeKB,omitempty"`
	TrainedWords         []string  `json:"trainedWords,omitempty"`
}

// ItemFor builds an index entry for a downloaded model version.
func ItemFor(model models.Model, version models.ModelVersion, filePath, mainTag string) Item {
	item := Item{
		ID:           fmt.Sprintf("v_%d", version.ID),
		Type:         model.Type,
		Name:         version.Name,
		Description:  model.Description,
		FilePath:     filePath,
		ModelID:      model.ID,
		ModelName:    model.Name,
		VersionID:    version.ID,
		VersionName:  version.Name,
		BaseModel:    version.BaseModel,
		CreatorName:  model.Creator.Username,
		Tags:         model.Tags,
		MainTag:      mainTag,
		TrainedWords: version.TrainedWords,

		VersionDownloadCount: float64(version.Stats.DownloadCount),
		VersionRating:        version.Stats.Rating,
	}
	if f := version.PrimaryFile(); f != nil {
		item.Name = f.Name
		item.FileSizeKB = f.SizeKB
	}
	if t, err := time.Parse(time.RFC3339, version.PublishedAt); err == nil {
		item.PublishedAt = t
	}
	return item
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		log.Printf("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Printf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// DeleteItem removes one version from the index, e.g. after its files were
// deleted from disk.
func DeleteItem(index bleve.Index, versionID int) error {
	return index.Delete(fmt.Sprintf("v_%d", versionID))
}

// SearchIndex performs a search query against the index.
func SearchIndex(index bleve.Index, query string) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	searchRequest.Fields = []string{"*"} // Request all stored fields
	searchResults, err := index.Search(searchRequest)
	if err != nil {
		return nil, err
	}
	return searchResults, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Printf("Attempting to delete index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
