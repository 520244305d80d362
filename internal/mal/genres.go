package mal

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// GenrePageSize is how many results a genre search page carries.
const GenrePageSize = 10

// genreIDs maps lowercase genre names to MAL genre ids.
var genreIDs = map[string]int{
	"action":        1,
	"adventure":     2,
	"comedy":        4,
	"mystery":       7,
	"drama":         8,
	"ecchi":         9,
	"fantasy":       10,
	"horror":        14,
	"romance":       22,
	"sci-fi":        24,
	"sports":        30,
	"slice of life": 36,
	"supernatural":  37,
	"suspense":      41,
}

// ResolveGenre resolves a genre given by name or numeric id. Returns the
// MAL genre id and whether the input named a known genre.
func ResolveGenre(genre string) (int, bool) {
	genre = strings.TrimSpace(strings.ToLower(genre))
	if genre == "" {
		return 0, false
	}
	if id, err := strconv.Atoi(genre); err == nil && id > 0 {
		return id, true
	}
	id, ok := genreIDs[genre]
	return id, ok
}

// GenrePage is one page of a genre search.
type GenrePage struct {
	GenreID     int
	Page        int
	HasNextPage bool
	Results     []*Anime
}

// SearchByGenre lists anime for one genre, ordered by popularity,
// GenrePageSize per page. Returns nil on upstream failure.
func (c *Client) SearchByGenre(ctx context.Context, genreID, page int) *GenrePage {
	q := url.Values{}
	q.Set("genres", strconv.Itoa(genreID))
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(GenrePageSize))
	q.Set("order_by", "members")
	q.Set("sort", "desc")

	env := c.fetch(ctx, "/anime", q)
	if env == nil {
		return nil
	}

	var results []*Anime
	if err := json.Unmarshal(env.Data, &results); err != nil {
		return nil
	}

	return &GenrePage{
		GenreID:     genreID,
		Page:        page,
		HasNextPage: env.Pagination.HasNextPage,
		Results:     results,
	}
}
