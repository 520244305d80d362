package providers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/danantara/anivault/internal/httpclient"
)

// fetchDocument fetches and parses one page.
func fetchDocument(ctx context.Context, client *httpclient.Client, pageURL string) (*html.Node, error) {
	resp, err := client.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := parseHTML(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}
	return doc, nil
}

// parseCards extracts cards from a WordPress-theme listing: each card is
// an element with the container class holding a link, an image, and a
// title element.
func parseCards(doc *html.Node, baseURL, containerClass, titleClass string) []Card {
	var cards []Card
	for _, node := range findAll(doc, byTagClass("article", containerClass)) {
		link := findFirst(node, byTag("a"))
		if link == nil {
			continue
		}

		card := Card{
			Slug:     slugFromPath(absoluteURL(baseURL, attr(link, "href"))),
			CoverURL: imageSource(node, baseURL),
		}

		if titleNode := findFirst(node, func(n *html.Node) bool {
			return hasClass(n, titleClass)
		}); titleNode != nil {
			card.Title = textContent(titleNode)
		}
		if card.Title == "" {
			card.Title = attr(link, "title")
		}

		if card.Slug == "" || card.Title == "" {
			continue
		}
		cards = append(cards, card)
	}
	return cards
}

// imageSource finds the first usable image URL in a card, preferring the
// lazy-load attributes the themes use.
func imageSource(node *html.Node, baseURL string) string {
	img := findFirst(node, byTag("img"))
	if img == nil {
		return ""
	}
	for _, key := range []string{"data-src", "data-lazy-src", "src"} {
		if v := attr(img, key); v != "" && !strings.HasPrefix(v, "data:") {
			return absoluteURL(baseURL, v)
		}
	}
	return ""
}

// infoValue scans labelled info rows ("Tahun: 2026", "Total Episode: 13")
// and returns the value following the first label that matches.
func infoValue(doc *html.Node, labels ...string) string {
	for _, node := range findAll(doc, func(n *html.Node) bool {
		return n.Data == "span" || n.Data == "div" || n.Data == "li" || n.Data == "b" || n.Data == "td"
	}) {
		text := textContent(node)
		for _, label := range labels {
			if rest, ok := strings.CutPrefix(text, label); ok {
				if value := strings.TrimSpace(strings.TrimPrefix(rest, ":")); value != "" {
					return value
				}
			}
		}
	}
	return ""
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// parseYear extracts a four-digit year from an info value.
func parseYear(value string) *int {
	m := yearRe.FindString(value)
	if m == "" {
		return nil
	}
	year, err := strconv.Atoi(m)
	if err != nil {
		return nil
	}
	return &year
}

var leadingIntRe = regexp.MustCompile(`\d+`)

// parseCount extracts the first integer from an info value; "?" and
// "Ongoing" style values yield nil.
func parseCount(value string) *int {
	m := leadingIntRe.FindString(value)
	if m == "" {
		return nil
	}
	n, err := strconv.Atoi(m)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

var episodeNumRe = regexp.MustCompile(`(?i)episode[\s-]*(\d+)`)

// parseEpisodeNumber extracts an episode number from link text or URL.
func parseEpisodeNumber(s string) (int, bool) {
	m := episodeNumRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
