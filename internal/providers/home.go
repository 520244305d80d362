package providers

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/danantara/anivault/internal/title"
)

// HomeEntry is one aggregated front-page card. Cards scraped from
// different providers for the same show are merged into one entry keyed
// by the canonical slug of the cleaned title.
type HomeEntry struct {
	Name          string            `json:"name"`
	Cover         string            `json:"cover"`
	Slugs         []string          `json:"slugs"`
	Provider      string            `json:"provider"`
	Sources       []string          `json:"sources"`
	ProviderSlugs map[string]string `json:"providerSlugs"`
}

// AggregateHome scrapes every provider's front page concurrently and
// merges the cards. A provider that fails is logged and skipped, so the
// aggregate degrades to whatever the remaining providers returned.
func AggregateHome(ctx context.Context, registry *Registry, logger *slog.Logger) ([]HomeEntry, error) {
	type providerCards struct {
		provider string
		cards    []Card
	}

	providers := registry.All()
	results := make([]providerCards, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range providers {
		g.Go(func() error {
			cards, err := p.Home(gctx)
			if err != nil {
				logger.Warn("home scrape failed",
					slog.String("provider", string(p.Name())),
					slog.String("error", err.Error()))
				return nil
			}
			results[i] = providerCards{provider: string(p.Name()), cards: cards}
			return nil
		})
	}
	_ = g.Wait()

	var entries []HomeEntry
	index := map[string]int{}

	for _, result := range results {
		for _, card := range result.cards {
			// Season forms differ across providers ("S2" vs "Season 2"),
			// so the merge key normalises them first.
			key := title.CanonicalSlug(title.NormaliseSeason(title.CleanTitle(card.Title)))
			if key == "" {
				continue
			}

			if i, ok := index[key]; ok {
				entry := &entries[i]
				if entry.Cover == "" {
					entry.Cover = card.CoverURL
				}
				entry.Slugs = appendUnique(entry.Slugs, card.Slug)
				entry.Sources = appendUnique(entry.Sources, result.provider)
				if _, ok := entry.ProviderSlugs[result.provider]; !ok {
					entry.ProviderSlugs[result.provider] = card.Slug
				}
				continue
			}

			index[key] = len(entries)
			entries = append(entries, HomeEntry{
				Name:          title.CleanTitle(card.Title),
				Cover:         card.CoverURL,
				Slugs:         []string{card.Slug},
				Provider:      result.provider,
				Sources:       []string{result.provider},
				ProviderSlugs: map[string]string{result.provider: card.Slug},
			})
		}
	}
	return entries, nil
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}
