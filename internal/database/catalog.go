package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// StoredVersion is a version row rehydrated for offline use.
type StoredVersion struct {
	ID           int      `json:"id"`
	ModelID      int      `json:"modelId"`
	Name         string   `json:"name"`
	BaseModel    string   `json:"baseModel"`
	PublishedAt  string   `json:"publishedAt"`
	UpdatedAt    string   `json:"updatedAt"`
	TrainedWords []string `json:"trainedWords"`
	Metadata     string   `json:"-"` // raw version JSON blob
}

// DownloadedModel is a downloads row joined with its model and version
// metadata, enough to reconstruct a catalog card offline.
type DownloadedModel struct {
	RowID        int64
	ModelID      int
	ModelName    string
	ModelType    string
	ModelURL     string
	VersionID    int
	VersionName  string
	MainTag      string
	DownloadDate string
	FilePath     string
	ModelMeta    string // raw model JSON blob
	VersionMeta  string // raw version JSON blob
	Images       []string
}

func modelURL(id int) string {
	return fmt.Sprintf("https://civitai.com/models/%d", id)
}

// UpsertModel stores model metadata, replacing any previous row for the
// same remote id. The full API payload is kept as a JSON blob.
func (l *Ledger) UpsertModel(m models.Model) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertModel(m)
}

func (l *Ledger) upsertModel(m models.Model) error {
	if m.ID == 0 {
		return errors.New("model has no id")
	}
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return fmt.Errorf("marshalling tags for model %d: %w", m.ID, err)
	}
	meta, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling metadata for model %d: %w", m.ID, err)
	}

	baseModel := ""
	if len(m.ModelVersions) > 0 {
		baseModel = m.ModelVersions[0].BaseModel
	}

	_, err = l.q().Exec(`
		INSERT INTO models (model_id, name, type, base_model, creator, url, description, tags, published_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			name=excluded.name,
			type=excluded.type,
			base_model=excluded.base_model,
			creator=excluded.creator,
			url=excluded.url,
			description=excluded.description,
			tags=excluded.tags,
			published_at=excluded.published_at,
			updated_at=excluded.updated_at,
			metadata=excluded.metadata`,
		m.ID, m.Name, m.Type, baseModel, m.Creator.Username, modelURL(m.ID),
		m.Description, string(tags), "", "", string(meta))
	if err != nil {
		return fmt.Errorf("upserting model %d: %w", m.ID, err)
	}
	return nil
}

// UpsertVersion stores version metadata keyed by the remote version id.
func (l *Ledger) UpsertVersion(v models.ModelVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.upsertVersion(v)
}

func (l *Ledger) upsertVersion(v models.ModelVersion) error {
	modelID := v.ModelId
	if modelID == 0 {
		modelID = v.Model.ID
	}
	if v.ID == 0 || modelID == 0 {
		return errors.New("version is missing id or model id")
	}
	words, err := json.Marshal(v.TrainedWords)
	if err != nil {
		return fmt.Errorf("marshalling trained words for version %d: %w", v.ID, err)
	}
	meta, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling metadata for version %d: %w", v.ID, err)
	}

	_, err = l.q().Exec(`
		INSERT INTO versions (version_id, model_id, name, base_model, published_at, updated_at, trained_words, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(version_id) DO UPDATE SET
			model_id=excluded.model_id,
			name=excluded.name,
			base_model=excluded.base_model,
			published_at=excluded.published_at,
			updated_at=excluded.updated_at,
			trained_words=excluded.trained_words,
			metadata=excluded.metadata`,
		v.ID, modelID, v.Name, v.BaseModel, v.PublishedAt, v.UpdatedAt,
		string(words), string(meta))
	if err != nil {
		return fmt.Errorf("upserting version %d: %w", v.ID, err)
	}
	return nil
}

// InsertFile records the on-disk location and identity of a version's file.
func (l *Ledger) InsertFile(versionID int, f models.File, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertFile(versionID, f, path)
}

func (l *Ledger) insertFile(versionID int, f models.File, path string) error {
	var sizeBytes sql.NullFloat64
	if f.SizeKB > 0 {
		sizeBytes = sql.NullFloat64{Float64: f.SizeKB * 1024.0, Valid: true}
	}
	_, err := l.q().Exec(`
		INSERT INTO files (version_id, name, type, size, download_url, format, sha256, path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		versionID, f.Name, f.Type, sizeBytes, f.DownloadUrl, f.Metadata.Format,
		f.Hashes.SHA256, path)
	if err != nil {
		return fmt.Errorf("inserting file row for version %d: %w", versionID, err)
	}
	return nil
}

// StoreImage records a cached preview image for a model (and optionally a
// specific version).
func (l *Ledger) StoreImage(modelID, versionID int, url, localPath string, position int, isGif bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.storeImage(modelID, versionID, url, localPath, position, isGif)
}

func (l *Ledger) storeImage(modelID, versionID int, url, localPath string, position int, isGif bool) error {
	gif := 0
	if isGif {
		gif = 1
	}
	var vid sql.NullInt64
	if versionID != 0 {
		vid = sql.NullInt64{Int64: int64(versionID), Valid: true}
	}
	_, err := l.q().Exec(`
		INSERT INTO images (model_id, version_id, url, local_path, position, is_gif)
		VALUES (?, ?, ?, ?, ?, ?)`,
		modelID, vid, nullString(url), localPath, position, gif)
	if err != nil {
		return fmt.Errorf("storing image for model %d: %w", modelID, err)
	}
	return nil
}

// ReplaceVersionImages swaps out the cached local image set for a version.
func (l *Ledger) ReplaceVersionImages(modelID, versionID int, paths []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if versionID != 0 {
		_, err = l.q().Exec(`DELETE FROM images WHERE model_id = ? AND version_id = ? AND local_path IS NOT NULL`, modelID, versionID)
	} else {
		_, err = l.q().Exec(`DELETE FROM images WHERE model_id = ? AND version_id IS NULL AND local_path IS NOT NULL`, modelID)
	}
	if err != nil {
		return fmt.Errorf("clearing cached images for model %d: %w", modelID, err)
	}

	for idx, p := range paths {
		isGif := strings.HasSuffix(strings.ToLower(p), ".gif")
		if err := l.storeImage(modelID, versionID, "", p, idx, isGif); err != nil {
			return err
		}
	}
	return nil
}

// GetModelVersions returns the stored versions of a model, most recently
// published first.
func (l *Ledger) GetModelVersions(modelID int) ([]StoredVersion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`
		SELECT version_id, model_id, name, base_model, published_at, updated_at, trained_words, metadata
		FROM versions WHERE model_id = ?
		ORDER BY published_at DESC, name ASC`, modelID)
	if err != nil {
		return nil, fmt.Errorf("querying versions for model %d: %w", modelID, err)
	}
	defer rows.Close()

	var out []StoredVersion
	for rows.Next() {
		var v StoredVersion
		var baseModel, published, updated, words, meta sql.NullString
		if err := rows.Scan(&v.ID, &v.ModelID, &v.Name, &baseModel, &published, &updated, &words, &meta); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		v.BaseModel = baseModel.String
		v.PublishedAt = published.String
		v.UpdatedAt = updated.String
		v.Metadata = meta.String
		if words.Valid && words.String != "" {
			if err := json.Unmarshal([]byte(words.String), &v.TrainedWords); err != nil {
				log.WithError(err).Warnf("Bad trained_words JSON for version %d", v.ID)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// FindDownloadedModel returns the latest completed download of a version
// together with its stored metadata and cached images, or ErrNotFound.
func (l *Ledger) FindDownloadedModel(modelID, versionID int) (*DownloadedModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var dm DownloadedModel
	var modelMeta, versionMeta, filePath sql.NullString
	err := l.q().QueryRow(`
		SELECT d.id, d.download_date, d.file_path,
		       m.model_id, m.name, m.type, m.url, m.metadata,
		       v.version_id, v.name, v.metadata
		FROM downloads d
		JOIN models m ON m.model_id = d.model_id
		JOIN versions v ON v.version_id = d.version_id
		WHERE d.model_id = ? AND d.version_id = ? AND d.status = ?
		ORDER BY d.download_date DESC LIMIT 1`,
		modelID, versionID, models.StatusCompleted).
		Scan(&dm.RowID, &dm.DownloadDate, &filePath,
			&dm.ModelID, &dm.ModelName, &dm.ModelType, &dm.ModelURL, &modelMeta,
			&dm.VersionID, &dm.VersionName, &versionMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying downloaded model %d/%d: %w", modelID, versionID, err)
	}
	dm.FilePath = filePath.String
	dm.ModelMeta = modelMeta.String
	dm.VersionMeta = versionMeta.String

	imgs, err := l.modelImages(modelID, versionID)
	if err != nil {
		return nil, err
	}
	dm.Images = imgs
	return &dm, nil
}

// GetDownloadedModels returns one entry per live download record, newest
// first, with cached image paths attached.
func (l *Ledger) GetDownloadedModels() ([]DownloadedModel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(`
		SELECT d.id, d.download_date, d.main_tag,
		       m.model_id, m.name, m.type, m.url, m.metadata,
		       v.version_id, v.name
		FROM downloads d
		JOIN models m ON m.model_id = d.model_id
		JOIN versions v ON v.version_id = d.version_id
		WHERE d.status IN (?, ?, ?)
		ORDER BY d.download_date DESC`,
		models.StatusCompleted, models.StatusImported, models.StatusMissing)
	if err != nil {
		return nil, fmt.Errorf("querying downloaded models: %w", err)
	}
	defer rows.Close()

	var out []DownloadedModel
	for rows.Next() {
		var dm DownloadedModel
		var mainTag, modelMeta sql.NullString
		if err := rows.Scan(&dm.RowID, &dm.DownloadDate, &mainTag,
			&dm.ModelID, &dm.ModelName, &dm.ModelType, &dm.ModelURL, &modelMeta,
			&dm.VersionID, &dm.VersionName); err != nil {
			return nil, fmt.Errorf("scanning downloaded model row: %w", err)
		}
		dm.MainTag = mainTag.String
		dm.ModelMeta = modelMeta.String
		out = append(out, dm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		imgs, err := l.modelImages(out[i].ModelID, 0)
		if err != nil {
			return nil, err
		}
		out[i].Images = imgs
	}
	return out, nil
}

// modelImages returns local image paths for a model, version-scoped when
// versionID is non-zero. Callers must hold l.mu.
func (l *Ledger) modelImages(modelID, versionID int) ([]string, error) {
	var rows *sql.Rows
	var err error
	if versionID != 0 {
		rows, err = l.q().Query(`
			SELECT local_path FROM images
			WHERE model_id = ? AND (version_id = ? OR version_id IS NULL) AND local_path IS NOT NULL
			ORDER BY position ASC`, modelID, versionID)
	} else {
		rows, err = l.q().Query(`
			SELECT local_path FROM images
			WHERE model_id = ? AND local_path IS NOT NULL
			ORDER BY position ASC`, modelID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying images for model %d: %w", modelID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning image row: %w", err)
		}
		if p.Valid && p.String != "" {
			paths = append(paths, p.String)
		}
	}
	return paths, rows.Err()
}

// GetDownloadedBaseModels returns the distinct base models present among
// live download records, sorted ascending.
func (l *Ledger) GetDownloadedBaseModels() ([]string, error) {
	return l.distinctJoined(`
		SELECT DISTINCT v.base_model
		FROM versions v
		JOIN downloads d ON d.version_id = v.version_id
		WHERE d.status IN (?, ?, ?)
		  AND v.base_model IS NOT NULL AND TRIM(v.base_model) <> ''
		ORDER BY v.base_model ASC`)
}

// GetDownloadedModelTypes returns the distinct model types present among
// live download records, sorted ascending.
func (l *Ledger) GetDownloadedModelTypes() ([]string, error) {
	return l.distinctJoined(`
		SELECT DISTINCT m.type
		FROM models m
		JOIN downloads d ON d.model_id = m.model_id
		WHERE d.status IN (?, ?, ?)
		  AND m.type IS NOT NULL AND TRIM(m.type) <> ''
		ORDER BY m.type ASC`)
}

func (l *Ledger) distinctJoined(query string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.q().Query(query,
		models.StatusCompleted, models.StatusImported, models.StatusMissing)
	if err != nil {
		return nil, fmt.Errorf("querying distinct values: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		if s.Valid && s.String != "" {
			out = append(out, s.String)
		}
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
