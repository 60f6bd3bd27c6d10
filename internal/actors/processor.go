// Package actors fills the people and artwork gaps the library sync
// leaves behind: director aliases from upstream credits and the
// tmdb-to-poster map consumed by external cover tooling.
package actors

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hbq0405/emby-toolkit-sub001/internal/catalog"
	"github.com/hbq0405/emby-toolkit-sub001/internal/settings"
	"github.com/hbq0405/emby-toolkit-sub001/internal/tmdb"
)

// ImageMapKey is the settings key the poster map is persisted under.
const ImageMapKey = "tmdb_image_map"

// MetadataClient is the slice of the metadata provider this processor
// uses.
type MetadataClient interface {
	GetMovieDetails(ctx context.Context, id int) (*tmdb.MovieDetails, error)
	GetTVDetails(ctx context.Context, id int) (*tmdb.TVDetails, error)
}

// Processor runs the actor-kind maintenance tasks.
type Processor struct {
	catalog  *catalog.Store
	tmdb     MetadataClient
	settings *settings.Store
	logger   zerolog.Logger
}

// NewProcessor creates an actor processor.
func NewProcessor(catalogStore *catalog.Store, tmdbClient MetadataClient,
	settingsStore *settings.Store, logger zerolog.Logger) *Processor {
	return &Processor{
		catalog:  catalogStore,
		tmdb:     tmdbClient,
		settings: settingsStore,
		logger:   logger.With().Str("component", "actors").Logger(),
	}
}

// RunOptions tunes one processor run.
type RunOptions struct {
	// ForceFullUpdate reprocesses every row instead of only the ones
	// with gaps.
	ForceFullUpdate bool
	Stop            func() bool
	Progress        func(pct int, msg string)
}

func (o *RunOptions) stop() bool {
	return o.Stop != nil && o.Stop()
}

func (o *RunOptions) progress(pct int, msg string) {
	if o.Progress != nil {
		o.Progress(pct, msg)
	}
}

// EnrichAliases fills empty director lists from upstream credits. Rows
// that already carry directors are skipped unless the run is forced.
func (p *Processor) EnrichAliases(ctx context.Context, opts RunOptions) error {
	rows, err := p.catalog.ListInLibrary(ctx, catalog.ItemTypeMovie, catalog.ItemTypeSeries)
	if err != nil {
		return err
	}

	updated := 0
	for i, row := range rows {
		if opts.stop() {
			break
		}
		if len(row.Directors) > 0 && !opts.ForceFullUpdate {
			continue
		}

		directors, err := p.fetchDirectors(ctx, row)
		if err != nil {
			p.logger.Warn().Err(err).Str("title", row.Title).Msg("credits fetch failed, skipping")
			continue
		}
		if len(directors) == 0 {
			continue
		}

		key := catalog.Key{TmdbID: row.TmdbID, ItemType: row.ItemType}
		if err := p.catalog.UpdateDirectors(ctx, key, directors); err != nil {
			p.logger.Warn().Err(err).Str("title", row.Title).Msg("director update failed")
			continue
		}
		updated++
		opts.progress(((i+1)*100)/len(rows), fmt.Sprintf("已补全 %d 个条目的演职员", updated))
	}

	p.logger.Info().Int("updated", updated).Msg("alias enrichment finished")
	opts.progress(100, fmt.Sprintf("演职员补全完成，更新 %d 个条目", updated))
	return nil
}

func (p *Processor) fetchDirectors(ctx context.Context, row *catalog.MediaItem) ([]string, error) {
	id, err := strconv.Atoi(row.TmdbID)
	if err != nil {
		return nil, fmt.Errorf("non-numeric tmdb id %q", row.TmdbID)
	}

	if row.ItemType == catalog.ItemTypeMovie {
		details, err := p.tmdb.GetMovieDetails(ctx, id)
		if err != nil {
			return nil, err
		}
		var directors []string
		if details.Credits != nil {
			for _, member := range details.Credits.Crew {
				if member.Job == "Director" {
					directors = append(directors, member.Name)
				}
			}
		}
		return directors, nil
	}

	details, err := p.tmdb.GetTVDetails(ctx, id)
	if err != nil {
		return nil, err
	}
	var creators []string
	for _, creator := range details.CreatedBy {
		creators = append(creators, creator.Name)
	}
	return creators, nil
}

// SyncImagesMap refreshes the tmdb-to-poster map and backfills missing
// catalog poster paths.
func (p *Processor) SyncImagesMap(ctx context.Context, opts RunOptions) error {
	rows, err := p.catalog.ListInLibrary(ctx, catalog.ItemTypeMovie, catalog.ItemTypeSeries)
	if err != nil {
		return err
	}

	imageMap := make(map[string]string, len(rows))
	filled := 0
	for i, row := range rows {
		if opts.stop() {
			break
		}

		if row.PosterPath != nil && *row.PosterPath != "" {
			imageMap[row.TmdbID] = *row.PosterPath
			if !opts.ForceFullUpdate {
				continue
			}
		}

		poster, err := p.fetchPoster(ctx, row)
		if err != nil {
			p.logger.Warn().Err(err).Str("title", row.Title).Msg("poster fetch failed, skipping")
			continue
		}
		if poster == "" {
			continue
		}

		key := catalog.Key{TmdbID: row.TmdbID, ItemType: row.ItemType}
		if err := p.catalog.UpdatePosterPath(ctx, key, poster); err != nil {
			p.logger.Warn().Err(err).Str("title", row.Title).Msg("poster update failed")
			continue
		}
		imageMap[row.TmdbID] = poster
		filled++
		opts.progress(((i+1)*100)/len(rows), fmt.Sprintf("已同步 %d 张海报", filled))
	}

	if err := p.settings.Set(ctx, ImageMapKey, imageMap); err != nil {
		return fmt.Errorf("failed to persist image map: %w", err)
	}

	p.logger.Info().Int("filled", filled).Int("mapped", len(imageMap)).Msg("image map synced")
	opts.progress(100, fmt.Sprintf("图片映射完成，共 %d 个条目", len(imageMap)))
	return nil
}

func (p *Processor) fetchPoster(ctx context.Context, row *catalog.MediaItem) (string, error) {
	id, err := strconv.Atoi(row.TmdbID)
	if err != nil {
		return "", fmt.Errorf("non-numeric tmdb id %q", row.TmdbID)
	}

	if row.ItemType == catalog.ItemTypeMovie {
		details, err := p.tmdb.GetMovieDetails(ctx, id)
		if err != nil {
			return "", err
		}
		if details.PosterPath != nil {
			return *details.PosterPath, nil
		}
		return "", nil
	}

	details, err := p.tmdb.GetTVDetails(ctx, id)
	if err != nil {
		return "", err
	}
	if details.PosterPath != nil {
		return *details.PosterPath, nil
	}
	return "", nil
}
