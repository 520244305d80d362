// Package storage uploads archived episodes to dataset-style file repos
// and builds the durable direct URLs the streaming layer serves.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danantara/anivault/internal/config"
)

// Upload is the durable location of one archived file on the primary
// account.
type Upload struct {
	AccountIndex int
	RepoID       string
	Path         string
	DirectURL    string
}

// Client talks to the dataset hub API for every configured account.
type Client struct {
	endpoint  string
	namespace string
	accounts  []config.StorageAccount
	http      *http.Client
	logger    *slog.Logger

	mu sync.Mutex
	// uploads counts successful commits per account, used to spread
	// primaries across accounts.
	uploads []int
	next    int
}

// NewClient creates a storage client from configuration.
func NewClient(cfg config.StorageConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	accounts := cfg.ValidAccounts()
	return &Client{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		namespace: cfg.Namespace,
		accounts:  accounts,
		http:      &http.Client{Timeout: 30 * time.Minute},
		logger:    logger.With(slog.String("component", "storage")),
		uploads:   make([]int, len(accounts)),
	}
}

// Accounts returns how many usable accounts are configured.
func (c *Client) Accounts() int {
	return len(c.accounts)
}

// RepoID names the per-anime dataset repo.
func (c *Client) RepoID(malID int) string {
	return fmt.Sprintf("%s-%d", c.namespace, malID)
}

// FilePath lays a file out inside the repo.
func (c *Client) FilePath(malID, episode int, fileKey string) string {
	return fmt.Sprintf("%d/ep%d/%s.mp4", malID, episode, fileKey)
}

// DirectURL builds the raw download URL for a file on one account.
func (c *Client) DirectURL(accountIndex int, repoID, path string) string {
	return fmt.Sprintf("%s/datasets/%s/%s/resolve/main/%s",
		c.endpoint, c.accounts[accountIndex].Username, repoID, path)
}

// UploadAll pushes the local file to every account for redundancy.
// Accounts are tried least-used first (round-robin on ties) so primaries
// spread across accounts; the first success becomes the primary and is
// returned, failures on the remaining accounts are logged and tolerated.
func (c *Client) UploadAll(ctx context.Context, malID, episode int, fileKey, localPath string) (*Upload, error) {
	if len(c.accounts) == 0 {
		return nil, fmt.Errorf("no storage accounts configured")
	}

	repoID := c.RepoID(malID)
	path := c.FilePath(malID, episode, fileKey)

	var primary *Upload
	var firstErr error
	for _, i := range c.accountOrder() {
		if err := c.uploadOne(ctx, i, repoID, path, localPath); err != nil {
			c.logger.Warn("upload failed",
				slog.Int("account", i),
				slog.String("repo", repoID),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.mu.Lock()
		c.uploads[i]++
		c.mu.Unlock()
		if primary == nil {
			primary = &Upload{
				AccountIndex: i,
				RepoID:       repoID,
				Path:         path,
				DirectURL:    c.DirectURL(i, repoID, path),
			}
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("upload failed on all %d accounts: %w", len(c.accounts), firstErr)
	}
	return primary, nil
}

// accountOrder returns account indexes sorted by successful upload count,
// starting from a rotating offset so equally used accounts take turns.
func (c *Client) accountOrder() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	order := make([]int, len(c.accounts))
	for i := range order {
		order[i] = (c.next + i) % len(c.accounts)
	}
	c.next = (c.next + 1) % len(c.accounts)

	sort.SliceStable(order, func(a, b int) bool {
		return c.uploads[order[a]] < c.uploads[order[b]]
	})
	return order
}

func (c *Client) uploadOne(ctx context.Context, accountIndex int, repoID, path, localPath string) error {
	if err := c.EnsureRepo(ctx, accountIndex, repoID); err != nil {
		return err
	}
	return c.UploadFile(ctx, accountIndex, repoID, path, localPath)
}

// EnsureRepo creates the dataset repo if it does not exist yet. An
// already-existing repo is not an error.
func (c *Client) EnsureRepo(ctx context.Context, accountIndex int, repoID string) error {
	payload, err := json.Marshal(map[string]any{
		"type":    "dataset",
		"name":    repoID,
		"private": false,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/repos/create", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.authorize(req, accountIndex)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("creating repo %s: %w", repoID, err)
	}
	defer drain(resp)

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("creating repo %s: status %d", repoID, resp.StatusCode)
	}
}

// UploadFile commits one local file to the repo's main branch. The
// request body is streamed, so archived videos never sit in memory.
func (c *Client) UploadFile(ctx context.Context, accountIndex int, repoID, path, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeCommitBody(pw, path, file))
	}()

	commitURL := fmt.Sprintf("%s/api/datasets/%s/%s/commit/main",
		c.endpoint, c.accounts[accountIndex].Username, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, commitURL, pr)
	if err != nil {
		pr.Close()
		return err
	}
	c.authorize(req, accountIndex)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("committing %s: %w", path, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("committing %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// writeCommitBody emits the commit NDJSON: a header line then one line
// per file, content base64 encoded. Base64 output never needs JSON
// escaping, so the content string is piped straight through the
// encoder.
func writeCommitBody(w io.Writer, path string, content io.Reader) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(map[string]any{
		"key":   "header",
		"value": map[string]any{"summary": "add " + path},
	}); err != nil {
		return err
	}

	pathJSON, err := json.Marshal(path)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, `{"key":"file","value":{"path":%s,"content":"`, pathJSON); err != nil {
		return err
	}
	b64 := base64.NewEncoder(base64.StdEncoding, w)
	if _, err := io.Copy(b64, content); err != nil {
		return err
	}
	if err := b64.Close(); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\",\"encoding\":\"base64\"}}\n")
	return err
}

func (c *Client) authorize(req *http.Request, accountIndex int) {
	req.Header.Set("Authorization", "Bearer "+c.accounts[accountIndex].Token)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
