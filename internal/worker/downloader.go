package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danantara/anivault/internal/httpclient"
	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/resolver"
)

const (
	// directSegments is how many parallel ranges a direct download is
	// split into when the host supports them.
	directSegments = 8
	// directMinSegment is the smallest range worth splitting off.
	directMinSegment = int64(1 << 20)
	// directRetries is how often one segment is retried before the whole
	// download fails.
	directRetries = 3
	// directRetryWait spaces segment retries.
	directRetryWait = 2 * time.Second

	// hlsReferer satisfies the referer check some HLS hosts enforce.
	hlsReferer = "https://callistanise.com/"
)

// embedResolver re-resolves key-bound embeds at download time and looks up
// Mega file metadata.
type embedResolver interface {
	Resolve(ctx context.Context, embedURL string) resolver.Stream
	MegaFileInfo(ctx context.Context, node resolver.MegaNode) (*resolver.MegaFile, error)
}

// Downloader fetches a job's source into a local MP4. The strategy depends
// on the URL: Mega links are decrypted natively, key-bound embeds are
// re-resolved first because their stream URLs are tied to the resolving
// network, HLS playlists go through ffmpeg, and everything else is a
// plain ranged download.
type Downloader struct {
	ffmpegPath string
	resolver   embedResolver
	client     *http.Client
	logger     *slog.Logger
}

// NewDownloader creates a downloader using the given ffmpeg binary.
func NewDownloader(ffmpegPath string, embeds embedResolver, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		ffmpegPath: ffmpegPath,
		resolver:   embeds,
		client:     &http.Client{Timeout: 30 * time.Minute},
		logger:     logger.With(slog.String("component", "downloader")),
	}
}

// Download fetches the job's video into dest.
func (d *Downloader) Download(ctx context.Context, job *models.VideoQueueEntry, dest string) error {
	src := job.VideoURL

	if node, ok := resolver.ParseMegaURL(src); ok {
		return d.downloadMega(ctx, node, dest)
	}

	if resolver.KeepEmbed(src) {
		stream := d.resolver.Resolve(ctx, src)
		if stream.URL == "" {
			return fmt.Errorf("re-resolving embed %s failed", src)
		}
		d.logger.Debug("embed re-resolved", slog.String("embed", src))
		src = stream.URL
	}

	if resolver.IsHLSURL(src) {
		return d.downloadHLS(ctx, src, dest)
	}
	return d.downloadDirect(ctx, src, dest)
}

// downloadHLS remuxes an HLS playlist into an MP4 with ffmpeg. Reconnects
// are disabled: segment URLs expire, so a stalled transfer should fail
// fast and let the job retry with a fresh resolve.
func (d *Downloader) downloadHLS(ctx context.Context, src, dest string) error {
	args := []string{
		"-y",
		"-user_agent", httpclient.BrowserUserAgent,
		"-headers", "Referer: " + hlsReferer + "\r\n",
		"-allowed_extensions", "ALL",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-reconnect", "0",
		"-reconnect_at_eof", "0",
		"-reconnect_streamed", "0",
		"-i", src,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		dest,
	}

	cmd := exec.CommandContext(ctx, d.ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 500))
	}
	return nil
}

// downloadDirect fetches a plain file, splitting it into parallel ranged
// segments when the host advertises range support.
func (d *Downloader) downloadDirect(ctx context.Context, src, dest string) error {
	size, ranged, err := d.probe(ctx, src)
	if err != nil {
		return err
	}

	if !ranged || size < 2*directMinSegment {
		return d.fetchWhole(ctx, src, dest)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()
	if err := out.Truncate(size); err != nil {
		return fmt.Errorf("preallocating %s: %w", dest, err)
	}

	segments := int64(directSegments)
	if size/segments < directMinSegment {
		segments = size / directMinSegment
	}
	segSize := size / segments

	g, gctx := errgroup.WithContext(ctx)
	for i := int64(0); i < segments; i++ {
		start := i * segSize
		end := start + segSize - 1
		if i == segments-1 {
			end = size - 1
		}
		g.Go(func() error {
			return d.fetchSegment(gctx, src, out, start, end)
		})
	}
	return g.Wait()
}

// probe asks the host for the file size and range support.
func (d *Downloader) probe(ctx context.Context, src string) (size int64, ranged bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src, nil)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("probing %s: %w", src, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, false, fmt.Errorf("probing %s: status %d", src, resp.StatusCode)
	}
	return resp.ContentLength, resp.Header.Get("Accept-Ranges") == "bytes", nil
}

func (d *Downloader) fetchWhole(ctx context.Context, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("downloading %s: status %d", src, resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// fetchSegment downloads one byte range into the preallocated file,
// retrying transient failures.
func (d *Downloader) fetchSegment(ctx context.Context, src string, out *os.File, start, end int64) error {
	var lastErr error
	for attempt := 0; attempt < directRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(directRetryWait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = d.fetchSegmentOnce(ctx, src, out, start, end); lastErr == nil {
			return nil
		}
		d.logger.Debug("segment retry",
			slog.Int64("start", start),
			slog.String("error", lastErr.Error()))
	}
	return fmt.Errorf("segment %d-%d: %w", start, end, lastErr)
}

func (d *Downloader) fetchSegmentOnce(ctx context.Context, src string, out *os.File, start, end int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.BrowserUserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if _, err := io.Copy(io.NewOffsetWriter(out, start), resp.Body); err != nil {
		return err
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
