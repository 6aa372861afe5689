// Package attachment implements AttachmentCache (spec §4.2): extracting
// attachment URLs from issue/comment markdown, downloading and
// deduplicating them into a content-addressed local cache, and enforcing
// the per-prompt count cap and per-attachment size cap.
package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relaycore/sessioncore/pkg/config"
	"github.com/relaycore/sessioncore/pkg/model"
)

// Warning describes a non-fatal problem encountered while building the
// manifest, to be recorded as a "warning" Activity by the caller.
type Warning struct {
	Message string
}

// Cache downloads and caches attachments under <home>/attachments/<issueId>/.
// Per-URL writes are serialized with a download lock (spec §5); separate
// URLs proceed concurrently.
type Cache struct {
	homeDir string
	cfg     config.AttachmentConfig
	client  *http.Client

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	byURL  map[string]map[string]*model.Attachment // issueID -> url -> attachment
	nextID map[string]int                           // issueID -> next insertion index
}

// Option configures a Cache beyond its required homeDir/cfg, mirroring the
// teacher's functional-option test seams (e.g. test/e2e.WithLLMClient).
type Option func(*Cache)

// WithHTTPClient overrides the client used to fetch attachments, letting
// tests point known-host URLs at a local server via a custom
// http.RoundTripper instead of reaching the real internet.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.client = client }
}

// New creates a Cache rooted at homeDir.
func New(homeDir string, cfg config.AttachmentConfig, opts ...Option) *Cache {
	c := &Cache{
		homeDir: homeDir,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		locks:   make(map[string]*sync.Mutex),
		byURL:   make(map[string]map[string]*model.Attachment),
		nextID:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Manifest builds the attachment manifest for one issue from its
// description and comment bodies, in the order ExtractURLs returns them
// (description first, then each comment), applying
// the maxAttachments cap and per-attachment size cap. Failures downloading
// an individual attachment are swallowed into a Warning; the function
// itself only errors if the cache directory cannot be created.
func (c *Cache) Manifest(ctx context.Context, issue model.Issue) ([]model.Attachment, []Warning, error) {
	dir := filepath.Join(c.homeDir, "attachments", issue.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("attachment: creating cache dir: %w", err)
	}

	var urls []string
	urls = append(urls, ExtractURLs(issue.Description)...)
	for _, cm := range issue.Comments {
		urls = append(urls, ExtractURLs(cm.Body)...)
	}
	urls = dedupe(urls)

	var (
		attachments []model.Attachment
		warnings    []Warning
	)
	totalSeen := len(urls)
	for _, u := range urls {
		if len(attachments) >= c.cfg.MaxAttachments {
			break
		}
		att, warn, err := c.fetchOne(ctx, issue.ID, dir, u)
		if err != nil {
			slog.Warn("attachment fetch failed", "issue_id", issue.ID, "url", u, "error", err)
			warnings = append(warnings, Warning{Message: fmt.Sprintf("failed to fetch attachment %s: %v", u, err)})
			continue
		}
		if warn != "" {
			warnings = append(warnings, Warning{Message: warn})
			continue
		}
		attachments = append(attachments, *att)
	}

	if totalSeen > c.cfg.MaxAttachments {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("attachment overflow: included %d of %d, dropped %d over the limit",
				c.cfg.MaxAttachments, totalSeen, totalSeen-c.cfg.MaxAttachments),
		})
	}

	return attachments, warnings, nil
}

func (c *Cache) fetchOne(ctx context.Context, issueID, dir, rawURL string) (*model.Attachment, string, error) {
	if existing := c.lookup(issueID, rawURL); existing != nil {
		return existing, "", nil
	}

	lock := c.urlLock(rawURL)
	lock.Lock()
	defer lock.Unlock()

	// Re-check after acquiring the lock: another goroutine may have just
	// finished this exact URL.
	if existing := c.lookup(issueID, rawURL); existing != nil {
		return existing, "", nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.cfg.MaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return nil, fmt.Sprintf("attachment %s exceeds size cap of %d bytes, skipped", rawURL, c.cfg.MaxBytes), nil
	}

	hash := contentHash(rawURL, data)
	ext := sniffExt(rawURL, resp.Header.Get("Content-Type"))

	c.mu.Lock()
	idx := c.nextID[issueID] + 1
	c.nextID[issueID] = idx
	c.mu.Unlock()

	filename := fmt.Sprintf("attachment_%04d%s", idx, ext)
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, "", fmt.Errorf("writing file: %w", err)
	}

	att := &model.Attachment{
		URL:         rawURL,
		LocalPath:   path,
		ContentHash: hash,
		MIMEType:    mimeFromExt(ext),
		SizeBytes:   int64(len(data)),
		IssueID:     issueID,
	}
	c.store(issueID, rawURL, att)
	return att, "", nil
}

func (c *Cache) lookup(issueID, url string) *model.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byURL[issueID]; ok {
		return m[url]
	}
	return nil
}

func (c *Cache) store(issueID, url string, att *model.Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byURL[issueID] == nil {
		c.byURL[issueID] = make(map[string]*model.Attachment)
	}
	c.byURL[issueID][url] = att
}

func (c *Cache) urlLock(url string) *sync.Mutex {
	h := sha256.Sum256([]byte(url))
	key := hex.EncodeToString(h[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

func contentHash(url string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func sniffExt(rawURL, contentType string) string {
	if ext := filepath.Ext(strings.SplitN(rawURL, "?", 2)[0]); ext != "" && len(ext) <= 8 {
		return ext
	}
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpg"
	case strings.Contains(contentType, "gif"):
		return ".gif"
	case strings.Contains(contentType, "pdf"):
		return ".pdf"
	default:
		return ".bin"
	}
}

func mimeFromExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
