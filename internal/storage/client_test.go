package storage

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danantara/anivault/internal/config"
)

type hubStub struct {
	mu      sync.Mutex
	created []string
	commits map[string][]byte // "user/repo/path" -> decoded content
	failFor string            // username whose requests all fail
}

func newHubStub() *hubStub {
	return &hubStub{commits: map[string][]byte{}}
}

func (h *hubStub) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.NotEmpty(t, auth)

		if r.URL.Path == "/api/repos/create" {
			var body struct {
				Type string `json:"type"`
				Name string `json:"name"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dataset", body.Type)

			h.mu.Lock()
			defer h.mu.Unlock()
			for _, name := range h.created {
				if name == auth+"/"+body.Name {
					w.WriteHeader(http.StatusConflict)
					return
				}
			}
			h.created = append(h.created, auth+"/"+body.Name)
			w.WriteHeader(http.StatusOK)
			return
		}

		// /api/datasets/{user}/{repo}/commit/main
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		require.GreaterOrEqual(t, len(parts), 6)
		user, repo := parts[2], parts[3]

		if h.failFor != "" && user == h.failFor {
			http.Error(w, "quota exceeded", http.StatusForbidden)
			return
		}

		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		for scanner.Scan() {
			var line struct {
				Key   string          `json:"key"`
				Value json.RawMessage `json:"value"`
			}
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
			if line.Key != "file" {
				continue
			}
			var file struct {
				Path     string `json:"path"`
				Content  string `json:"content"`
				Encoding string `json:"encoding"`
			}
			require.NoError(t, json.Unmarshal(line.Value, &file))
			require.Equal(t, "base64", file.Encoding)
			decoded, err := base64.StdEncoding.DecodeString(file.Content)
			require.NoError(t, err)

			h.mu.Lock()
			h.commits[user+"/"+repo+"/"+file.Path] = decoded
			h.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
}

func newTestClient(t *testing.T, serverURL string, accounts ...config.StorageAccount) *Client {
	t.Helper()
	return NewClient(config.StorageConfig{
		Endpoint:  serverURL,
		Namespace: "anivault",
		Accounts:  accounts,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeTempVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "video.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake mp4 bytes"), 0o644))
	return path
}

func TestClient_Layout(t *testing.T) {
	c := newTestClient(t, "https://hub.example", config.StorageAccount{Username: "alice", Token: "tok"})

	assert.Equal(t, "anivault-55825", c.RepoID(55825))
	assert.Equal(t, "55825/ep1/deadbeef.mp4", c.FilePath(55825, 1, "deadbeef"))
	assert.Equal(t,
		"https://hub.example/datasets/alice/anivault-55825/resolve/main/55825/ep1/deadbeef.mp4",
		c.DirectURL(0, "anivault-55825", "55825/ep1/deadbeef.mp4"))
}

func TestUploadAll_PushesToEveryAccount(t *testing.T) {
	hub := newHubStub()
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	c := newTestClient(t, server.URL,
		config.StorageAccount{Username: "alice", Token: "tok-a"},
		config.StorageAccount{Username: "bob", Token: "tok-b"},
	)

	up, err := c.UploadAll(context.Background(), 55825, 1, "deadbeef", writeTempVideo(t))
	require.NoError(t, err)
	assert.Equal(t, 0, up.AccountIndex)
	assert.Equal(t, "anivault-55825", up.RepoID)
	assert.Equal(t, "55825/ep1/deadbeef.mp4", up.Path)
	assert.Equal(t, server.URL+"/datasets/alice/anivault-55825/resolve/main/55825/ep1/deadbeef.mp4", up.DirectURL)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Equal(t, []byte("fake mp4 bytes"), hub.commits["alice/anivault-55825/55825/ep1/deadbeef.mp4"])
	assert.Equal(t, []byte("fake mp4 bytes"), hub.commits["bob/anivault-55825/55825/ep1/deadbeef.mp4"])
}

func TestUploadAll_RotatesPrimaryAcrossAccounts(t *testing.T) {
	hub := newHubStub()
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	c := newTestClient(t, server.URL,
		config.StorageAccount{Username: "alice", Token: "tok-a"},
		config.StorageAccount{Username: "bob", Token: "tok-b"},
	)

	first, err := c.UploadAll(context.Background(), 55825, 1, "deadbeef", writeTempVideo(t))
	require.NoError(t, err)
	second, err := c.UploadAll(context.Background(), 55825, 2, "cafebabe", writeTempVideo(t))
	require.NoError(t, err)

	assert.Equal(t, 0, first.AccountIndex)
	assert.Equal(t, 1, second.AccountIndex)
}

func TestUploadAll_PrimaryFallsBackToNextAccount(t *testing.T) {
	hub := newHubStub()
	hub.failFor = "alice"
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	c := newTestClient(t, server.URL,
		config.StorageAccount{Username: "alice", Token: "tok-a"},
		config.StorageAccount{Username: "bob", Token: "tok-b"},
	)

	up, err := c.UploadAll(context.Background(), 55825, 1, "deadbeef", writeTempVideo(t))
	require.NoError(t, err)
	assert.Equal(t, 1, up.AccountIndex)
	assert.Contains(t, up.DirectURL, "/datasets/bob/")
}

func TestUploadAll_AllAccountsFail(t *testing.T) {
	hub := newHubStub()
	hub.failFor = "alice"
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	c := newTestClient(t, server.URL, config.StorageAccount{Username: "alice", Token: "tok-a"})

	_, err := c.UploadAll(context.Background(), 55825, 1, "deadbeef", writeTempVideo(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 1 accounts")
}

func TestUploadFile_StreamsRequestBody(t *testing.T) {
	hub := newHubStub()
	var commitLength int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/commit/") {
			commitLength = r.ContentLength
		}
		hub.handler(t).ServeHTTP(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, config.StorageAccount{Username: "alice", Token: "tok"})

	err := c.UploadFile(context.Background(), 0, "anivault-55825", "55825/ep1/deadbeef.mp4", writeTempVideo(t))
	require.NoError(t, err)

	// A piped body goes out chunked; the video is never buffered whole.
	assert.Equal(t, int64(-1), commitLength)
	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Equal(t, []byte("fake mp4 bytes"), hub.commits["alice/anivault-55825/55825/ep1/deadbeef.mp4"])
}

func TestEnsureRepo_ConflictIsNotAnError(t *testing.T) {
	hub := newHubStub()
	server := httptest.NewServer(hub.handler(t))
	defer server.Close()

	c := newTestClient(t, server.URL, config.StorageAccount{Username: "alice", Token: "tok"})

	require.NoError(t, c.EnsureRepo(context.Background(), 0, "anivault-1"))
	// Second create returns 409, still fine.
	require.NoError(t, c.EnsureRepo(context.Background(), 0, "anivault-1"))
}
