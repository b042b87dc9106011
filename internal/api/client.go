package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go-civitai-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrRateLimited  = errors.New("API rate limit exceeded")
	ErrUnauthorized = errors.New("API request unauthorized (check API key)")
	ErrNotFound     = errors.New("API resource not found")
	ErrServerError  = errors.New("API server error")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

const maxRetries = 3

// Client talks to the Civitai REST API. Request/response logging, when
// enabled, is handled by a LoggingTransport installed on the http.Client.
type Client struct {
	ApiKey     string
	HttpClient *http.Client
	BaseUrl    string
}

// NewClient creates a new API client sharing the given http.Client.
func NewClient(apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		ApiKey:     apiKey,
		HttpClient: httpClient,
		BaseUrl:    CivitaiApiBaseUrl,
	}
}

// getJSON performs a GET with retries and decodes the JSON response into out.
// Rate limits and 5xx responses are retried with backoff; auth failures and
// 404s are returned immediately (404 as ErrNotFound).
func (c *Client) getJSON(reqURL string, out interface{}) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		req, err := http.NewRequest("GET", reqURL, nil)
		if err != nil {
			return fmt.Errorf("error creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.ApiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.ApiKey)
		}

		resp, err := c.HttpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed (attempt %d/%d): %w", attempt+1, maxRetries, err)
			if attempt < maxRetries-1 {
				log.WithError(err).Warnf("Retrying (%d/%d)...", attempt+1, maxRetries)
				time.Sleep(time.Duration(attempt+1) * 2 * time.Second)
				continue
			}
			return lastErr
		}

		switch resp.StatusCode {
		case http.StatusOK:
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return fmt.Errorf("error reading response body: %w", readErr)
			}
			if err := json.Unmarshal(body, out); err != nil {
				log.Debugf("Response body causing unmarshal error: %s", string(body))
				return fmt.Errorf("error unmarshalling response JSON: %w", err)
			}
			return nil

		case http.StatusTooManyRequests:
			lastErr = ErrRateLimited
			resp.Body.Close()
			if attempt < maxRetries-1 {
				sleep := time.Duration(attempt+1) * 5 * time.Second
				log.Warnf("Rate limited. Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleep)
				time.Sleep(sleep)
				continue
			}

		case http.StatusUnauthorized, http.StatusForbidden:
			resp.Body.Close()
			return ErrUnauthorized

		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound

		default:
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
				if attempt < maxRetries-1 {
					sleep := time.Duration(attempt+1) * 3 * time.Second
					log.WithError(lastErr).Warnf("Server error. Retrying (%d/%d) after %s...", attempt+1, maxRetries, sleep)
					time.Sleep(sleep)
					continue
				}
			} else {
				return fmt.Errorf("API request failed with status %d", resp.StatusCode)
			}
		}
	}

	log.WithError(lastErr).Errorf("Request failed after %d attempts: %s", maxRetries, reqURL)
	return lastErr
}

// GetModels fetches models based on query parameters, using cursor
// pagination. Returns the next cursor alongside the page.
func (c *Client) GetModels(cursor string, queryParams models.QueryParameters) (string, models.ApiResponse, error) {
	values := url.Values{}
	values.Add("sort", queryParams.Sort)
	values.Add("period", queryParams.Period)
	values.Add("nsfw", fmt.Sprintf("%t", queryParams.Nsfw))
	values.Add("limit", fmt.Sprintf("%d", queryParams.Limit))
	for _, t := range queryParams.Types {
		values.Add("types", t)
	}
	for _, t := range queryParams.BaseModels {
		values.Add("baseModels", t)
	}
	if queryParams.PrimaryFileOnly {
		values.Add("primaryFileOnly", fmt.Sprintf("%t", queryParams.PrimaryFileOnly))
	}
	if queryParams.Query != "" {
		values.Add("query", queryParams.Query)
	}
	if queryParams.Tag != "" {
		values.Add("tag", queryParams.Tag)
	}
	if queryParams.Username != "" {
		values.Add("username", queryParams.Username)
	}
	// The first page is requested without cursor or page parameters.
	if cursor != "" {
		values.Add("cursor", cursor)
	}

	var response models.ApiResponse
	reqURL := fmt.Sprintf("%s/models?%s", c.BaseUrl, values.Encode())
	if err := c.getJSON(reqURL, &response); err != nil {
		return "", models.ApiResponse{}, err
	}
	return response.Metadata.NextCursor, response, nil
}

// GetModel fetches full model metadata, including all versions.
func (c *Client) GetModel(modelID int) (models.Model, error) {
	var model models.Model
	err := c.getJSON(fmt.Sprintf("%s/models/%d", c.BaseUrl, modelID), &model)
	if err != nil {
		return models.Model{}, err
	}
	return model, nil
}

// GetModelVersion fetches one model version by its id.
func (c *Client) GetModelVersion(versionID int) (models.ModelVersion, error) {
	var version models.ModelVersion
	err := c.getJSON(fmt.Sprintf("%s/model-versions/%d", c.BaseUrl, versionID), &version)
	if err != nil {
		return models.ModelVersion{}, err
	}
	return version, nil
}

// GetModelVersionByHash looks a version up by the SHA-256 of one of its
// files. Returns ErrNotFound when the hash is unknown to Civitai.
func (c *Client) GetModelVersionByHash(hash string) (models.ModelVersion, error) {
	var version models.ModelVersion
	err := c.getJSON(fmt.Sprintf("%s/model-versions/by-hash/%s", c.BaseUrl, strings.ToUpper(hash)), &version)
	if err != nil {
		return models.ModelVersion{}, err
	}
	return version, nil
}
