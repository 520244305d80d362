package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/danantara/anivault/internal/models"
	"github.com/danantara/anivault/internal/phash"
)

// mappingRepo implements MappingRepository using GORM.
type mappingRepo struct {
	db *gorm.DB
}

// NewMappingRepository creates a new MappingRepository.
func NewMappingRepository(db *gorm.DB) *mappingRepo {
	return &mappingRepo{db: db}
}

// Create creates a new mapping.
func (r *mappingRepo) Create(ctx context.Context, mapping *models.Mapping) error {
	if mapping.LastSync.IsZero() {
		mapping.LastSync = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(mapping).Error; err != nil {
		return fmt.Errorf("creating mapping: %w", err)
	}
	return nil
}

// GetByMALID retrieves a mapping by MAL id.
func (r *mappingRepo) GetByMALID(ctx context.Context, malID int) (*models.Mapping, error) {
	var mapping models.Mapping
	if err := r.db.WithContext(ctx).Where("mal_id = ?", malID).First(&mapping).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting mapping by MAL id: %w", err)
	}
	return &mapping, nil
}

// GetBySlug retrieves a mapping by provider slug.
func (r *mappingRepo) GetBySlug(ctx context.Context, provider models.Provider, slug string) (*models.Mapping, error) {
	column, err := slugColumn(provider)
	if err != nil {
		return nil, err
	}

	var mapping models.Mapping
	if err := r.db.WithContext(ctx).Where(column+" = ?", slug).First(&mapping).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting mapping by slug: %w", err)
	}
	return &mapping, nil
}

// Upsert merges the incoming mapping into the row keyed by MAL id. Unset
// fields on the incoming record never clobber values the stored row
// already carries; set fields always win.
func (r *mappingRepo) Upsert(ctx context.Context, incoming *models.Mapping) (*models.Mapping, error) {
	var merged *models.Mapping

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Mapping
		err := tx.Where("mal_id = ?", incoming.MALID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if incoming.LastSync.IsZero() {
				incoming.LastSync = time.Now().UTC()
			}
			if err := tx.Create(incoming).Error; err != nil {
				return fmt.Errorf("creating mapping: %w", err)
			}
			merged = incoming
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading mapping for upsert: %w", err)
		}

		coalesceMapping(&existing, incoming)
		existing.LastSync = time.Now().UTC()

		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("updating mapping: %w", err)
		}
		merged = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// coalesceMapping copies every set field from incoming onto existing.
func coalesceMapping(existing, incoming *models.Mapping) {
	if incoming.TitleMain != "" {
		existing.TitleMain = incoming.TitleMain
	}
	if incoming.SlugAnimasu != nil {
		existing.SlugAnimasu = incoming.SlugAnimasu
	}
	if incoming.SlugSamehadaku != nil {
		existing.SlugSamehadaku = incoming.SlugSamehadaku
	}
	if incoming.PhashV1 != nil {
		existing.PhashV1 = incoming.PhashV1
	}
	if incoming.ReleaseYear != nil {
		existing.ReleaseYear = incoming.ReleaseYear
	}
	if incoming.TotalEpisodes != nil {
		existing.TotalEpisodes = incoming.TotalEpisodes
	}
}

// FindNearestPhash returns the closest stored hash strictly under
// maxDistance, or nil. On Postgres the distance is computed in SQL; other
// drivers scan the hashed rows, which stays cheap at catalogue scale.
func (r *mappingRepo) FindNearestPhash(ctx context.Context, hash string, maxDistance int) (*NearestPhashResult, error) {
	if r.db.Dialector.Name() == "postgres" {
		return r.findNearestPhashSQL(ctx, hash, maxDistance)
	}
	return r.findNearestPhashScan(ctx, hash, maxDistance)
}

// findNearestPhashSQL computes hamming distance in a single round trip
// using Postgres bit_count over the hex-decoded hashes.
func (r *mappingRepo) findNearestPhashSQL(ctx context.Context, hash string, maxDistance int) (*NearestPhashResult, error) {
	type row struct {
		ID       models.ULID
		Distance int
	}
	var best row

	err := r.db.WithContext(ctx).Raw(`
		SELECT id, bit_count((('x' || phash_v1)::bit(256)) # (('x' || ?)::bit(256))) AS distance
		FROM mappings
		WHERE phash_v1 IS NOT NULL AND length(phash_v1) = length(?)
		ORDER BY distance ASC
		LIMIT 1`, hash, hash).Scan(&best).Error
	if err != nil {
		return nil, fmt.Errorf("finding nearest phash: %w", err)
	}
	if best.ID.IsZero() || best.Distance >= maxDistance {
		return nil, nil
	}

	var mapping models.Mapping
	if err := r.db.WithContext(ctx).Where("id = ?", best.ID).First(&mapping).Error; err != nil {
		return nil, fmt.Errorf("loading nearest phash mapping: %w", err)
	}
	return &NearestPhashResult{Mapping: &mapping, Distance: best.Distance}, nil
}

// findNearestPhashScan loads every hashed row and compares in process.
func (r *mappingRepo) findNearestPhashScan(ctx context.Context, hash string, maxDistance int) (*NearestPhashResult, error) {
	var mappings []*models.Mapping
	if err := r.db.WithContext(ctx).Where("phash_v1 IS NOT NULL").Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("loading hashed mappings: %w", err)
	}

	var best *NearestPhashResult
	for _, m := range mappings {
		d := phash.Distance(hash, *m.PhashV1)
		if d < 0 || d >= maxDistance {
			continue
		}
		if best == nil || d < best.Distance {
			best = &NearestPhashResult{Mapping: m, Distance: d}
		}
	}
	return best, nil
}

// slugColumn maps a provider to its slug column.
func slugColumn(provider models.Provider) (string, error) {
	switch provider {
	case models.ProviderAnimasu:
		return "slug_animasu", nil
	case models.ProviderSamehadaku:
		return "slug_samehadaku", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}
