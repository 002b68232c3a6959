// Package hub fetches model artifacts from a Hugging Face style hub and
// lists repository contents. The registry and importer treat it as the one
// collaborator allowed to touch the network.
package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

const (
	// DefaultBaseURL is the public hub endpoint.
	DefaultBaseURL = "https://huggingface.co"

	listingTTL = 5 * time.Minute

	// Retry configuration for failed downloads.
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 4 * time.Second
)

// Sentinel errors. Use errors.Is() to check for specific conditions.
var (
	// ErrNotFound indicates the repository or file does not exist on the hub.
	ErrNotFound = errors.New("hub: not found")

	// ErrDownloadFailed indicates all retry attempts were exhausted.
	ErrDownloadFailed = errors.New("hub: download failed")

	// ErrHashMismatch indicates downloaded data failed sha256 verification.
	ErrHashMismatch = errors.New("hub: hash verification failed")

	// ErrInvalidRef indicates a ref not of the form owner/repo/file.
	ErrInvalidRef = errors.New("hub: invalid ref")
)

// Progress reports download progress. total is -1 when the hub does not
// announce a content length.
type Progress func(done, total int64)

// Client talks to one hub endpoint. Safe for concurrent use.
type Client struct {
	baseURL  string
	http     *http.Client
	listings *ttlcache.Cache[string, []types.HubFile]
	retries  int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewClient creates a hub client. baseURL may be empty to use the public hub.
func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client-level timeout: artifact downloads are long-running and
		// bounded by the caller's context instead.
		http:    &http.Client{},
		retries: maxRetries,
		backoff: initialBackoff,
		log:     logger,
	}
	c.listings = ttlcache.New[string, []types.HubFile](
		ttlcache.WithTTL[string, []types.HubFile](listingTTL),
		ttlcache.WithDisableTouchOnHit[string, []types.HubFile](),
	)
	go c.listings.Start()
	return c
}

// Close stops the listing cache expiration loop.
func (c *Client) Close() {
	c.listings.Stop()
}

// ParseRef splits "owner/repo/path/to/file.gguf" into the repo id and the
// file path within the repo.
func ParseRef(ref string) (repoID, filename string, err error) {
	parts := strings.Split(strings.Trim(ref, "/"), "/")
	if len(parts) < 3 {
		return "", "", fmt.Errorf("%w: %q (want owner/repo/file)", ErrInvalidRef, ref)
	}
	return parts[0] + "/" + parts[1], strings.Join(parts[2:], "/"), nil
}

// repoInfo mirrors the hub model-info response; only siblings matter here.
type repoInfo struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
		Size      int64  `json:"size"`
	} `json:"siblings"`
}

// ListFiles returns the file listing of a hub repository. Listings are
// cached for a few minutes to keep repeated browsing off the network.
func (c *Client) ListFiles(ctx context.Context, owner, repo string) ([]types.HubFile, error) {
	key := owner + "/" + repo
	if item := c.listings.Get(key); item != nil {
		return item.Value(), nil
	}

	u := fmt.Sprintf("%s/api/models/%s/%s", c.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("list %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list %s: status %d", key, resp.StatusCode)
	}

	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("list %s: decode: %w", key, err)
	}
	files := make([]types.HubFile, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		files = append(files, types.HubFile{Filename: s.RFilename, SizeBytes: s.Size})
	}
	c.listings.Set(key, files, ttlcache.DefaultTTL)
	return files, nil
}

// Download fetches ref into destDir and returns the local file path.
func (c *Client) Download(ctx context.Context, ref, destDir string) (string, error) {
	return c.DownloadWithProgress(ctx, ref, destDir, "", nil)
}

// DownloadWithProgress fetches ref into destDir, verifying against wantSHA
// when non-empty. The artifact is streamed to a .partial file and renamed
// into place only once complete, so a crash never leaves a half-written
// model where the registry would pick it up. Transient failures are retried
// with exponential backoff.
func (c *Client) DownloadWithProgress(ctx context.Context, ref, destDir, wantSHA string, onProgress Progress) (string, error) {
	repoID, filename, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, filepath.Base(filename))
	if fsutil.PathExists(dest) {
		return dest, nil
	}

	u := fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoID, filename)
	backoff := c.backoff
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Warn().Str("ref", ref).Int("attempt", attempt).Err(lastErr).
				Msg("retrying hub download")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := c.fetchFile(ctx, u, dest, wantSHA, onProgress)
		if err == nil {
			c.log.Info().Str("ref", ref).Str("path", dest).Msg("hub download complete")
			return dest, nil
		}
		// 404s, bad hashes and cancelled contexts will not improve on retry.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrHashMismatch) || ctx.Err() != nil {
			return "", fmt.Errorf("download %s: %w", ref, err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %s after %d attempts: %v", ErrDownloadFailed, ref, c.retries+1, lastErr)
}

func (c *Client) fetchFile(ctx context.Context, url, dest, wantSHA string, onProgress Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	partial := dest + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return err
	}

	h := sha256.New()
	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{r: resp.Body, total: resp.ContentLength, onProgress: onProgress}
	}
	_, err = io.Copy(io.MultiWriter(f, h), reader)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return err
	}

	if wantSHA != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, wantSHA) {
			os.Remove(partial)
			return fmt.Errorf("%w: got %s want %s", ErrHashMismatch, got, wantSHA)
		}
	}
	return os.Rename(partial, dest)
}

// progressReader reports cumulative bytes read to the progress callback.
type progressReader struct {
	r          io.Reader
	total      int64
	done       int64
	onProgress Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.onProgress(p.done, p.total)
	}
	return n, err
}
