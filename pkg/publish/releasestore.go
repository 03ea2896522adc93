// Package publish uploads finished digest MP3s to the release store and
// records their public URLs. Releases are grouped one per digest date; the
// downstream RSS endpoint reads the recorded URLs straight from the
// database, so this package is the only writer to the store.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/briefcast/briefcast/pkg/models"
	"github.com/briefcast/briefcast/pkg/version"
)

const (
	defaultBaseURL = "https://api.github.com"
	acceptHeader   = "application/vnd.github.v3+json"

	apiTimeout = 30 * time.Second

	// Asset uploads stream whole MP3s; a full digest can run tens of MB.
	uploadTimeout = 5 * time.Minute

	errBodyLimit = 2048
)

// Release is one release-store entry. The store keys releases by tag;
// briefcast uses one tag per digest date so all of a day's MP3s attach to
// the same release.
type Release struct {
	ID        int64   `json:"id"`
	TagName   string  `json:"tag_name"`
	Name      string  `json:"name"`
	HTMLURL   string  `json:"html_url"`
	UploadURL string  `json:"upload_url"`
	Assets    []Asset `json:"assets"`
}

// Asset returns the attached asset with the given filename, or nil.
func (r *Release) Asset(name string) *Asset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

// Asset is one file attached to a release. BrowserDownloadURL is the stable
// public URL recorded on the digest row and served as the RSS enclosure.
type Asset struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type createReleaseRequest struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	Body    string `json:"body"`
}

// Client talks to the GitHub release REST API for one repository.
type Client struct {
	httpClient   *http.Client
	uploadClient *http.Client
	baseURL      string
	token        string
	owner        string
	repo         string
	logger       *slog.Logger
}

// NewClient builds a release-store client. Resolve the token with
// ResolveToken so environments without a raw token fall back to the CLI.
func NewClient(owner, repo, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: apiTimeout},
		uploadClient: &http.Client{Timeout: uploadTimeout},
		baseURL:      defaultBaseURL,
		token:        token,
		owner:        owner,
		repo:         repo,
		logger:       logger,
	}
}

// CreateRelease creates a release under the given tag.
func (c *Client) CreateRelease(ctx context.Context, tag, name, notes string) (*Release, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseURL, c.owner, c.repo)
	payload, err := json.Marshal(createReleaseRequest{TagName: tag, Name: name, Body: notes})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal release request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create release request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		return nil, releaseStatusError(res)
	}

	var rel Release
	if err := json.NewDecoder(res.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("failed to decode release response: %w", err)
	}
	c.logger.Debug("Release created", "tag", tag, "release_id", rel.ID)
	return &rel, nil
}

// GetReleaseByTag looks up an existing release. A missing tag returns
// models.ErrNotFound.
func (c *Client) GetReleaseByTag(ctx context.Context, tag string) (*Release, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", c.baseURL, c.owner, c.repo, url.PathEscape(tag))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create release lookup: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("release %s: %w", tag, models.ErrNotFound)
	default:
		return nil, releaseStatusError(res)
	}

	var rel Release
	if err := json.NewDecoder(res.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("failed to decode release response: %w", err)
	}
	return &rel, nil
}

// UploadAsset attaches a local file to a release and returns the created
// asset. uploadURL is the hypermedia URL from the release response. A name
// collision returns models.ErrAlreadyExists; the caller re-reads the release
// to find the existing asset's URL.
func (c *Client) UploadAsset(ctx context.Context, uploadURL, name, filePath string) (*Asset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat asset file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadEndpoint(uploadURL, name), f)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Content-Type", "audio/mpeg")
	c.setHeaders(req)

	res, err := c.uploadClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.Transient(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusCreated:
	case http.StatusUnprocessableEntity:
		// The store rejects duplicate asset names with 422.
		return nil, fmt.Errorf("asset %s: %w", name, models.ErrAlreadyExists)
	default:
		return nil, releaseStatusError(res)
	}

	var asset Asset
	if err := json.NewDecoder(res.Body).Decode(&asset); err != nil {
		return nil, fmt.Errorf("failed to decode asset response: %w", err)
	}
	c.logger.Debug("Asset uploaded", "name", name, "bytes", fi.Size())
	return &asset, nil
}

// DeleteRelease removes a release by id. Deleting a release that no longer
// exists returns models.ErrNotFound; retention treats that as done.
func (c *Client) DeleteRelease(ctx context.Context, id int64) error {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/%d", c.baseURL, c.owner, c.repo, id)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, apiURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create release delete: %w", err)
	}
	c.setHeaders(req)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.Transient(err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("release %d: %w", id, models.ErrNotFound)
	default:
		return releaseStatusError(res)
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", acceptHeader)
	// The API rejects requests without a User-Agent.
	req.Header.Set("User-Agent", version.Full())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// uploadEndpoint strips the {?name,label} hypermedia template from the
// upload URL and appends the asset name.
func uploadEndpoint(uploadURL, name string) string {
	if i := strings.Index(uploadURL, "{"); i >= 0 {
		uploadURL = uploadURL[:i]
	}
	return uploadURL + "?name=" + url.QueryEscape(name)
}

// releaseStatusError maps store HTTP failures onto the retry taxonomy.
// 401 and 403 mean a bad or under-scoped token and never improve on retry.
func releaseStatusError(res *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(res.Body, errBodyLimit))
	err := fmt.Errorf("release store status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return &models.RateLimitError{RetryAfter: storeRetryAfter(res), Err: err}
	case res.StatusCode >= http.StatusInternalServerError:
		return models.Transient(err)
	default:
		return models.Permanent(fmt.Sprintf("release store rejected (HTTP %d)", res.StatusCode), err)
	}
}

func storeRetryAfter(res *http.Response) time.Duration {
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}
