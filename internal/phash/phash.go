// Package phash computes block-mean perceptual hashes of poster images.
//
// A hash is 256 bits: the image is stretched onto a 16x16 grayscale grid,
// each cell's brightness is compared against the global mean, and the bits
// are packed MSB-first into 64 hex characters. Near-duplicate posters land
// within a small Hamming distance of each other even across resizes and
// recompression.
package phash

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"

	// Poster formats seen in the wild.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/danantara/anivault/internal/httpclient"
)

// GridSize is the edge length of the sampling grid.
const GridSize = 16

// Bits is the hash length in bits.
const Bits = GridSize * GridSize

// HexLength is the hash length in hex characters.
const HexLength = Bits / 4

// maxImageBytes caps how much of a poster is read before decoding.
const maxImageBytes = 8 << 20

// Generator fetches poster images and hashes them.
type Generator struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewGenerator creates a Generator that fetches images through the given
// client.
func NewGenerator(client *httpclient.Client, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{client: client, logger: logger}
}

// FromURL fetches an image and returns its hash. Any failure (transport,
// status, decode) returns an empty string; hashing is best-effort and a
// missing hash only weakens matching, never a request.
func (g *Generator) FromURL(ctx context.Context, imageURL string) string {
	resp, err := g.client.Get(ctx, imageURL)
	if err != nil {
		g.logger.Warn("poster fetch failed",
			slog.String("url", imageURL),
			slog.String("error", err.Error()),
		)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		g.logger.Warn("poster fetch non-200",
			slog.String("url", imageURL),
			slog.Int("status", resp.StatusCode),
		)
		return ""
	}

	img, _, err := image.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		g.logger.Warn("poster decode failed",
			slog.String("url", imageURL),
			slog.String("error", err.Error()),
		)
		return ""
	}

	return FromImage(img)
}

// FromImage hashes a decoded image.
//
// The stretch onto the grid deliberately ignores aspect ratio: both sides
// of any comparison are distorted the same way, so relative block
// brightness stays comparable.
func FromImage(img image.Image) string {
	grid := image.NewGray(image.Rect(0, 0, GridSize, GridSize))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)

	var cells [Bits]uint8
	var sum int
	for y := 0; y < GridSize; y++ {
		for x := 0; x < GridSize; x++ {
			v := grid.GrayAt(x, y).Y
			cells[y*GridSize+x] = v
			sum += int(v)
		}
	}
	mean := float64(sum) / float64(Bits)

	var out [HexLength]byte
	for nib := 0; nib < HexLength; nib++ {
		var v byte
		for bit := 0; bit < 4; bit++ {
			v <<= 1
			if float64(cells[nib*4+bit]) >= mean {
				v |= 1
			}
		}
		out[nib] = hexDigit(v)
	}
	return string(out[:])
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'a' + v - 10
}

// nibbleValue decodes one hex character, returning 0xFF when invalid.
func nibbleValue(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0xFF
}

// popcount4 holds the bit counts of all nibble values.
var popcount4 = [16]int{0, 1, 1, 2, 1, 2, 2, 3, 1, 2, 2, 3, 2, 3, 3, 4}

// Distance returns the Hamming distance between two hex-encoded hashes, or
// -1 when the strings have different lengths or contain non-hex characters
// (incomparable).
func Distance(a, b string) int {
	if len(a) != len(b) {
		return -1
	}
	distance := 0
	for i := 0; i < len(a); i++ {
		na, nb := nibbleValue(a[i]), nibbleValue(b[i])
		if na == 0xFF || nb == 0xFF {
			return -1
		}
		distance += popcount4[na^nb]
	}
	return distance
}

// Validate reports whether s is a well-formed hash.
func Validate(s string) error {
	if len(s) != HexLength {
		return fmt.Errorf("hash must be %d hex chars, got %d", HexLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		if nibbleValue(s[i]) == 0xFF || (s[i] >= 'A' && s[i] <= 'F') {
			return fmt.Errorf("hash must be lowercase hex: %q", s)
		}
	}
	return nil
}
