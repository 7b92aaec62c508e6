// Package artifacts persists generated results exactly once per logical
// output. Provider-hosted URLs are migrated into durable storage when
// possible; when migration fails the provider URL is kept, because holding
// a reference beats losing a paid-for result.
package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/storage"
)

// Store persists artifact references with write-time de-duplication.
type Store struct {
	repo   domain.ArtifactRepository
	blobs  storage.BlobStore
	logger infra.Logger
}

// NewStore builds an artifact store. blobs may be nil, in which case no
// rehoming happens and provider URLs are persisted as-is.
func NewStore(repo domain.ArtifactRepository, blobs storage.BlobStore, logger infra.Logger) *Store {
	return &Store{repo: repo, blobs: blobs, logger: logger}
}

// Persist records one artifact for the principal. Calling it again with
// the same URL returns the original record; after a successful rehoming
// the record carries the durable URL.
func (s *Store) Persist(ctx context.Context, principalID, url, sourceTag, prompt string) (*domain.Artifact, error) {
	// Fast path: the result is already persisted. Upgrade it in place when
	// it still carries a provider URL and durable storage is available now.
	if existing, err := s.repo.FindByURL(ctx, principalID, url); err == nil {
		if s.blobs == nil || s.blobs.Owns(existing.URL) {
			return existing, nil
		}
		return s.upgrade(ctx, existing, s.rehome(ctx, principalID, existing.URL))
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	durableURL := s.rehome(ctx, principalID, url)

	artifact := &domain.Artifact{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		URL:         durableURL,
		OriginalURL: url,
		SourceTag:   sourceTag,
		Prompt:      prompt,
	}
	err := s.repo.Create(ctx, artifact)
	if errors.Is(err, domain.ErrDuplicateOperation) {
		// A concurrent completion for the same result won the insert; the
		// unique (principal, original_url) index is the de-dup signal.
		existing, err := s.lookup(ctx, principalID, url, durableURL)
		if err != nil {
			return nil, err
		}
		return s.upgrade(ctx, existing, durableURL)
	}
	if err != nil {
		return nil, err
	}
	return s.repo.FindByURL(ctx, principalID, artifact.OriginalURL)
}

// AugmentUpscale attaches the high-resolution URL to an existing artifact.
// Only the first completion writes; later duplicates are no-ops.
func (s *Store) AugmentUpscale(ctx context.Context, artifactID, upscaleURL string) error {
	durableURL := upscaleURL
	if s.blobs != nil && !s.blobs.Owns(upscaleURL) {
		if rehomed, err := s.migrate(ctx, "upscales", upscaleURL); err == nil {
			durableURL = rehomed
		} else {
			s.logger.Warn().Err(err).Str("url", upscaleURL).Msg("artifacts: upscale rehoming failed, keeping provider url")
		}
	}
	applied, err := s.repo.SetUpscaledURL(ctx, artifactID, durableURL)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug().Str("artifact_id", artifactID).Msg("artifacts: upscale url already set")
	}
	return nil
}

// List returns the principal's artifacts, newest first.
func (s *Store) List(ctx context.Context, principalID string, limit int) ([]domain.Artifact, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByPrincipal(ctx, principalID, limit)
}

// PurgePrincipal removes every artifact owned by a principal. Used by the
// identity-event cascade.
func (s *Store) PurgePrincipal(ctx context.Context, principalID string) error {
	return s.repo.DeleteByPrincipal(ctx, principalID)
}

// rehome migrates a provider-hosted URL into durable storage, falling back
// to the original URL on any failure.
func (s *Store) rehome(ctx context.Context, principalID, url string) string {
	if s.blobs == nil || s.blobs.Owns(url) {
		return url
	}
	durableURL, err := s.migrate(ctx, principalID, url)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", url).Msg("artifacts: rehoming failed, keeping provider url")
		return url
	}
	return durableURL
}

func (s *Store) migrate(ctx context.Context, prefix, url string) (string, error) {
	data, contentType, err := storage.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s/%s%s", prefix, uuid.NewString(), storage.ExtensionForContentType(contentType))
	durableURL, err := s.blobs.Put(ctx, key, data, contentType)
	if err != nil {
		return "", err
	}
	return durableURL, nil
}

func (s *Store) lookup(ctx context.Context, principalID, originalURL, durableURL string) (*domain.Artifact, error) {
	existing, err := s.repo.FindByURL(ctx, principalID, originalURL)
	if errors.Is(err, domain.ErrNotFound) && durableURL != originalURL {
		return s.repo.FindByURL(ctx, principalID, durableURL)
	}
	return existing, err
}

// upgrade swaps a still-provider-hosted record onto the durable URL when
// one became available. Single mutation; an already-durable record is
// returned untouched.
func (s *Store) upgrade(ctx context.Context, existing *domain.Artifact, durableURL string) (*domain.Artifact, error) {
	if s.blobs == nil || durableURL == existing.URL {
		return existing, nil
	}
	if s.blobs.Owns(existing.URL) || !s.blobs.Owns(durableURL) {
		return existing, nil
	}
	if err := s.repo.UpgradeURL(ctx, existing.ID, durableURL); err != nil {
		return nil, err
	}
	existing.URL = durableURL
	return existing, nil
}
