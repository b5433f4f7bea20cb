package hosting

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const catalogCacheSize = 512

// Catalog resolves assets and their versions from the store through a small
// LRU cache. Catalog rows are written by the marketplace collaborator and
// change rarely; the deploy path reads them on every request.
type Catalog struct {
	store  *Store
	logger *zap.Logger

	assets   *lru.Cache[string, Asset]
	versions *lru.Cache[string, AssetVersion]
}

func NewCatalog(store *Store, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	assets, err := lru.New[string, Asset](catalogCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create asset cache: %w", err)
	}
	versions, err := lru.New[string, AssetVersion](catalogCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create version cache: %w", err)
	}

	return &Catalog{
		store:    store,
		logger:   logger,
		assets:   assets,
		versions: versions,
	}, nil
}

func (c *Catalog) Asset(id string) (Asset, error) {
	if asset, ok := c.assets.Get(id); ok {
		return asset, nil
	}

	asset, err := c.store.GetAsset(id)
	if err != nil {
		return Asset{}, err
	}

	c.assets.Add(id, asset)
	return asset, nil
}

func (c *Catalog) Version(id string) (AssetVersion, error) {
	if version, ok := c.versions.Get(id); ok {
		return version, nil
	}

	version, err := c.store.GetAssetVersion(id)
	if err != nil {
		return AssetVersion{}, err
	}

	if _, err := semver.NewVersion(version.Version); err != nil {
		return AssetVersion{}, fmt.Errorf("asset version %s has invalid version string %q: %w", id, version.Version, err)
	}

	c.versions.Add(id, version)
	return version, nil
}

// LatestVersion returns the highest published semver version of an asset.
// Rows with unparseable version strings are skipped with a warning.
func (c *Catalog) LatestVersion(assetID string) (AssetVersion, error) {
	versions, err := c.store.ListAssetVersions(assetID)
	if err != nil {
		return AssetVersion{}, err
	}

	var (
		best       AssetVersion
		bestSemver *semver.Version
	)
	for _, candidate := range versions {
		parsed, parseErr := semver.NewVersion(candidate.Version)
		if parseErr != nil {
			c.logger.Warn("skipping asset version with invalid semver",
				zap.String("asset_id", assetID),
				zap.String("version_id", candidate.ID),
				zap.String("version", candidate.Version),
			)
			continue
		}
		if bestSemver == nil || parsed.GreaterThan(bestSemver) {
			best = candidate
			bestSemver = parsed
		}
	}

	if bestSemver == nil {
		return AssetVersion{}, ErrVersionNotFound
	}

	return best, nil
}
