package worker

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/danantara/anivault/internal/httpclient"
	"github.com/danantara/anivault/internal/resolver"
)

// megaKeyMaterial derives the AES key and CTR IV from a Mega file key.
// The shared key is 32 URL-safe base64 bytes; the cipher key is the XOR
// of its halves and the IV is bytes 16..24 followed by a zero counter.
func megaKeyMaterial(nodeKey string) (aesKey, iv []byte, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(nodeKey, "="))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding file key: %w", err)
	}
	if len(raw) != 32 {
		return nil, nil, fmt.Errorf("file key is %d bytes, want 32", len(raw))
	}

	aesKey = make([]byte, 16)
	for i := range aesKey {
		aesKey[i] = raw[i] ^ raw[i+16]
	}
	iv = make([]byte, 16)
	copy(iv, raw[16:24])
	return aesKey, iv, nil
}

// downloadMega fetches a Mega file natively: the CDN URL comes from the
// file-info API and the payload is AES-CTR decrypted while streaming.
func (d *Downloader) downloadMega(ctx context.Context, node resolver.MegaNode, dest string) error {
	if node.Key == "" {
		return fmt.Errorf("mega link %s has no file key", node.ID)
	}
	aesKey, iv, err := megaKeyMaterial(node.Key)
	if err != nil {
		return err
	}

	info, err := d.resolver.MegaFileInfo(ctx, node)
	if err != nil {
		return fmt.Errorf("mega file info: %w", err)
	}
	d.logger.Debug("mega download",
		slog.String("node", node.ID),
		slog.Int64("size", info.Size))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.DownloadURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching mega payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fetching mega payload: status %d", resp.StatusCode)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return err
	}
	plaintext := cipher.StreamReader{
		S: cipher.NewCTR(block, iv),
		R: resp.Body,
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()

	written, err := io.Copy(out, plaintext)
	if err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if info.Size > 0 && written != info.Size {
		return fmt.Errorf("mega payload truncated: got %d of %d bytes", written, info.Size)
	}
	return nil
}
