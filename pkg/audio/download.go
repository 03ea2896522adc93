package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/briefcast/briefcast/pkg/models"
)

const (
	connectTimeout = 30 * time.Second
	headerTimeout  = 30 * time.Second
)

// Acquirer streams episode enclosures into the on-disk audio cache.
type Acquirer struct {
	httpClient *http.Client
	cacheDir   string
	maxBytes   int64
	logger     *slog.Logger
}

// NewAcquirer creates an Acquirer writing into cacheDir. Downloads larger
// than maxDownloadMB are abandoned. The client bounds connect and
// first-header latency but puts no deadline on the body read: multi-hour
// episodes over slow links are legitimate, and cancellation covers operator
// abort.
func NewAcquirer(cacheDir string, maxDownloadMB int, logger *slog.Logger) *Acquirer {
	return &Acquirer{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ForceAttemptHTTP2:     true,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		cacheDir: cacheDir,
		maxBytes: int64(maxDownloadMB) << 20,
		logger:   logger,
	}
}

// Fetch downloads audioURL into the cache under cacheName and returns the
// cached path. An existing non-empty cache file short-circuits the download,
// which is what makes failed episodes cheap to retry. Partial files never
// land at the final path.
func (a *Acquirer) Fetch(ctx context.Context, audioURL, cacheName string) (string, error) {
	path := filepath.Join(a.cacheDir, cacheName)
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		a.logger.Debug("Audio cache hit", "file", cacheName, "size_bytes", fi.Size())
		return path, nil
	}

	if err := os.MkdirAll(a.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create audio cache directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", models.Permanent("malformed enclosure URL", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", models.Transient(fmt.Errorf("failed to fetch audio: %w", err))
	}
	defer resp.Body.Close()

	if err := validateAudioResponse(resp); err != nil {
		return "", err
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return "", fmt.Errorf("failed to create temp download file: %w", err)
	}
	defer t.Cleanup()

	written, err := io.Copy(t, io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", models.Transient(fmt.Errorf("download interrupted after %d bytes: %w", written, err))
	}
	switch {
	case written > a.maxBytes:
		return "", models.Permanent("audio exceeds download size limit",
			fmt.Errorf("enclosure larger than %d MB", a.maxBytes>>20))
	case written == 0:
		return "", models.Permanent("empty audio response", errors.New("server sent no body"))
	case resp.ContentLength > 0 && written != resp.ContentLength:
		return "", models.Transient(fmt.Errorf("short download: got %d of %d bytes", written, resp.ContentLength))
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("failed to finalize download: %w", err)
	}
	a.logger.Info("Audio downloaded", "file", cacheName, "size_bytes", written)
	return path, nil
}

// validateAudioResponse rejects responses that cannot be podcast audio.
// Feeds frequently outlive their hosting; the giveaway is an HTML error or
// parking page served with a 200 status.
func validateAudioResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return models.Transient(fmt.Errorf("audio fetch failed with status %d", resp.StatusCode))
	default:
		return models.Permanent(fmt.Sprintf("audio fetch rejected (HTTP %d)", resp.StatusCode),
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return models.Permanent("audio URL returned an HTML page",
			fmt.Errorf("content type %q is not audio", ct))
	}
	return nil
}
