package resolver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"
)

const defaultMegaAPIURL = "https://g.api.mega.co.nz/cs"

// megaRetryAttempts bounds the EAGAIN backoff loop.
const megaRetryAttempts = 5

var megaNodeRe = regexp.MustCompile(`mega\.(?:co\.)?nz/(?:embed|file)/([A-Za-z0-9_-]+)#?([A-Za-z0-9_-]*)`)

// MegaNode is a parsed Mega embed URL: the node id plus the base64 file
// key carried in the fragment.
type MegaNode struct {
	ID  string
	Key string
}

// ParseMegaURL extracts the node id and key from an embed or file URL.
func ParseMegaURL(embedURL string) (MegaNode, bool) {
	m := megaNodeRe.FindStringSubmatch(embedURL)
	if m == nil {
		return MegaNode{}, false
	}
	return MegaNode{ID: m[1], Key: m[2]}, true
}

// MegaFile is the download half of a "g" response.
type MegaFile struct {
	DownloadURL string `json:"g"`
	Size        int64  `json:"s"`
}

// resolveMega asks the Mega API for the node's CDN URL. The result is a
// plain HTTPS URL to the still-encrypted bytes; decryption needs the key
// from the embed fragment, so archival keeps the embed URL instead.
func (r *Resolver) resolveMega(ctx context.Context, embedURL string) string {
	node, ok := ParseMegaURL(embedURL)
	if !ok {
		r.logger.Warn("unparseable mega URL", slog.String("url", embedURL))
		return ""
	}
	info, err := r.MegaFileInfo(ctx, node)
	if err != nil {
		r.logger.Warn("mega resolve failed", slog.String("node", node.ID), slog.String("error", err.Error()))
		return ""
	}
	return info.DownloadURL
}

// MegaFileInfo fetches the CDN URL and size for a node. API error codes
// come back as bare negative integers; EAGAIN (-3) and rate limits (-4)
// are retried with exponential backoff, everything else fails outright.
func (r *Resolver) MegaFileInfo(ctx context.Context, node MegaNode) (*MegaFile, error) {
	body, err := json.Marshal([]map[string]any{{"a": "g", "g": 1, "p": node.ID}})
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < megaRetryAttempts; attempt++ {
		raw, err := r.postMega(ctx, body)
		if err != nil {
			return nil, err
		}

		var results []json.RawMessage
		if err := json.Unmarshal(raw, &results); err != nil || len(results) == 0 {
			return nil, fmt.Errorf("unexpected mega response: %s", truncate(raw, 120))
		}

		var code int
		if err := json.Unmarshal(results[0], &code); err == nil {
			if code == -3 || code == -4 {
				wait := time.Duration(1<<attempt) * time.Second
				r.logger.Warn("mega rate limited",
					slog.Int("code", code),
					slog.Int("attempt", attempt+1),
					slog.Duration("wait", wait))
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			return nil, fmt.Errorf("mega api error %d", code)
		}

		var info MegaFile
		if err := json.Unmarshal(results[0], &info); err != nil {
			return nil, fmt.Errorf("decoding mega file info: %w", err)
		}
		if info.DownloadURL == "" {
			return nil, fmt.Errorf("mega response has no download URL")
		}
		return &info, nil
	}
	return nil, fmt.Errorf("mega api still rate limited after %d attempts", megaRetryAttempts)
}

func (r *Resolver) postMega(ctx context.Context, body []byte) ([]byte, error) {
	id := make([]byte, 4)
	_, _ = rand.Read(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s?id=%s", r.megaAPIURL, hex.EncodeToString(id)), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://mega.nz")
	req.Header.Set("Referer", "https://mega.nz/")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mega api status %d", resp.StatusCode)
	}

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
