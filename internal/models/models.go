package models

type (
	Config struct {
		// Connection/Auth
		ApiKey string `toml:"ApiKey"`

		// Paths
		SavePath       string `toml:"SavePath"`
		DatabasePath   string `toml:"DatabasePath"`
		ImagesPath     string `toml:"ImagesPath"`
		BleveIndexPath string `toml:"BleveIndexPath"`

		// Downloader Behavior
		MaxConcurrentDownloads int `toml:"MaxConcurrentDownloads"`

		// Enrichment Behavior
		MaxImagesPerVersion int      `toml:"MaxImagesPerVersion"`
		MaxImageArea        int      `toml:"MaxImageArea"`
		PriorityTags        []string `toml:"PriorityTags"`

		// API Query Behavior (remote search)
		Query      string   `toml:"Query"`
		Tag        string   `toml:"Tag"`
		Username   string   `toml:"Username"`
		ModelTypes []string `toml:"ModelTypes"`
		BaseModels []string `toml:"BaseModels"`
		Nsfw       bool     `toml:"Nsfw"`
		Sort       string   `toml:"Sort"`
		Period     string   `toml:"Period"`
		Limit      int      `toml:"Limit"`

		ApiClientTimeoutSec int `toml:"ApiClientTimeoutSec"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Api Calls and Responses
	QueryParameters struct {
		Limit           int      `json:"limit"`
		Query           string   `json:"query,omitempty"`
		Tag             string   `json:"tag,omitempty"`
		Username        string   `json:"username,omitempty"`
		Types           []string `json:"types,omitempty"`
		Sort            string   `json:"sort"`
		Period          string   `json:"period"`
		PrimaryFileOnly bool     `json:"primaryFileOnly,omitempty"`
		Nsfw            bool     `json:"nsfw"`
		BaseModels      []string `json:"baseModels,omitempty"`
		Cursor          string   `json:"cursor,omitempty"`
	}

	Model struct {
		ID                    int            `json:"id"`
		Name                  string         `json:"name"`
		Description           string         `json:"description"`
		Type                  string         `json:"type"`
		Poi                   bool           `json:"poi"`
		Nsfw                  bool           `json:"nsfw"`
		AllowNoCredit         bool           `json:"allowNoCredit"`
		AllowCommercialUse    []string       `json:"allowCommercialUse"`
		AllowDerivatives      bool           `json:"allowDerivatives"`
		AllowDifferentLicense bool           `json:"allowDifferentLicense"`
		Stats                 Stats          `json:"stats"`
		Creator               Creator        `json:"creator"`
		Tags                  []string       `json:"tags"`
		ModelVersions         []ModelVersion `json:"modelVersions"`
		Meta                  interface{}    `json:"meta"` // Meta can be null or an object
	}

	Stats struct {
		DownloadCount int     `json:"downloadCount"`
		FavoriteCount int     `json:"favoriteCount"`
		CommentCount  int     `json:"commentCount"`
		RatingCount   int     `json:"ratingCount"`
		Rating        float64 `json:"rating"`
	}

	Creator struct {
		Username string `json:"username"`
		Image    string `json:"image"`
	}

	// BaseModelInfo is the nested 'model' field in the /model-versions/{id}
	// and /model-versions/by-hash/{hash} responses.
	BaseModelInfo struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
		Poi  bool   `json:"poi"`
		Mode string `json:"mode"` // Can be null, "Archived", "TakenDown"
	}

	ModelVersion struct {
		ID           int          `json:"id"`
		ModelId      int          `json:"modelId"`
		Name         string       `json:"name"`
		PublishedAt  string       `json:"publishedAt"`
		UpdatedAt    string       `json:"updatedAt"`
		TrainedWords []string     `json:"trainedWords"`
		BaseModel    string       `json:"baseModel"`
		Description  string       `json:"description"`
		Stats        Stats        `json:"stats"`
		Files        []File       `json:"files"`
		Images       []ModelImage `json:"images"`
		DownloadUrl  string       `json:"downloadUrl"`
		// Nested model stub from /model-versions/* endpoints
		Model BaseModelInfo `json:"model"`
	}

	File struct {
		Name              string   `json:"name"`
		ID                int      `json:"id"`
		SizeKB            float64  `json:"sizeKB"`
		Type              string   `json:"type"`
		Metadata          Metadata `json:"metadata"`
		PickleScanResult  string   `json:"pickleScanResult"`
		PickleScanMessage string   `json:"pickleScanMessage"`
		VirusScanResult   string   `json:"virusScanResult"`
		ScannedAt         string   `json:"scannedAt"`
		Hashes            Hashes   `json:"hashes"`
		DownloadUrl       string   `json:"downloadUrl"`
		Primary           bool     `json:"primary"`
	}

	Metadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	ModelImage struct {
		ID        int         `json:"id"`
		URL       string      `json:"url"`
		Hash      string      `json:"hash"` // Blurhash
		Width     int         `json:"width"`
		Height    int         `json:"height"`
		Nsfw      bool        `json:"nsfw"`
		NsfwLevel interface{} `json:"nsfwLevel"` // Number OR string depending on endpoint
		CreatedAt string      `json:"createdAt"`
		PostID    *int        `json:"postId"`
		Stats     ImageStats  `json:"stats"`
		Meta      interface{} `json:"meta"` // Unstructured generation metadata
		Username  string      `json:"username"`
	}

	ImageStats struct {
		CryCount     int `json:"cryCount"`
		LaughCount   int `json:"laughCount"`
		LikeCount    int `json:"likeCount"`
		HeartCount   int `json:"heartCount"`
		CommentCount int `json:"commentCount"`
	}

	ApiResponse struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		TotalItems  int    `json:"totalItems"`
		CurrentPage int    `json:"currentPage"`
		PageSize    int    `json:"pageSize"`
		TotalPages  int    `json:"totalPages"`
		NextPage    string `json:"nextPage"`
		PrevPage    string `json:"prevPage"`
		NextCursor  string `json:"nextCursor"`
	}
)

// Download record statuses as stored in the downloads table.
const (
	StatusQueued      = "Queued"
	StatusDownloading = "Downloading"
	StatusCompleted   = "Completed"
	StatusFailed      = "Failed"
	StatusImported    = "Imported"
	StatusMissing     = "Missing"
	StatusDeleted     = "Deleted"
)

// AllowedStatuses are the statuses accepted when recording a download.
// Anything else is coerced to Failed.
var AllowedStatuses = []string{
	StatusQueued, StatusDownloading, StatusCompleted,
	StatusFailed, StatusImported, StatusMissing,
}

// IsAllowedStatus reports whether s may be written by RecordDownload.
func IsAllowedStatus(s string) bool {
	for _, a := range AllowedStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// PrimaryFile returns the primary model file of a version, falling back to the
// first file of type "Model", then the first file at all.
func (v ModelVersion) PrimaryFile() *File {
	for i := range v.Files {
		if v.Files[i].Primary {
			return &v.Files[i]
		}
	}
	for i := range v.Files {
		if v.Files[i].Type == "Model" {
			return &v.Files[i]
		}
	}
	if len(v.Files) > 0 {
		return &v.Files[0]
	}
	return nil
}
