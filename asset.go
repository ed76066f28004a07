// Package assetpipeline provides the core types for the photo asset pipeline:
// remote asset references, thumbnail size classes, and cache keys.
package assetpipeline

import (
	"fmt"
	"strings"
)

// SizeClass identifies a rendition tier of an asset.
type SizeClass string

const (
	// SizeSmall is the smallest thumbnail tier, suitable for list rows.
	SizeSmall SizeClass = "small"

	// SizeMedium is the mid thumbnail tier, suitable for card grids.
	SizeMedium SizeClass = "medium"

	// SizeLarge is the largest thumbnail tier, suitable for detail views.
	SizeLarge SizeClass = "large"

	// SizeOriginal is the full, unmodified asset.
	SizeOriginal SizeClass = "original"
)

// Valid reports whether the size class is one of the known tiers.
func (s SizeClass) Valid() bool {
	switch s {
	case SizeSmall, SizeMedium, SizeLarge, SizeOriginal:
		return true
	}
	return false
}

// String returns the size class name.
func (s SizeClass) String() string {
	return string(s)
}

// ParseSizeClass parses a size class name, defaulting to medium for the
// empty string.
func ParseSizeClass(s string) (SizeClass, error) {
	if s == "" {
		return SizeMedium, nil
	}
	sc := SizeClass(strings.ToLower(s))
	if !sc.Valid() {
		return "", fmt.Errorf("invalid size class %q", s)
	}
	return sc, nil
}

// AssetRef is an immutable reference to an asset held by the remote object
// store. It is produced by the upload service and persisted by domain
// collaborators; the pipeline never mutates it. Replacing an asset means
// creating a new AssetRef and swapping the reference.
type AssetRef struct {
	// CanonicalID is the stable identifier the remote store assigned on upload.
	CanonicalID string `json:"canonical_id"`

	// MIMEType is the content type of the original upload.
	MIMEType string `json:"mime_type"`

	// OwnerDescriptor is the human-readable owner context the asset was
	// uploaded under (e.g. "Living Room - Drop 3").
	OwnerDescriptor string `json:"owner_descriptor,omitempty"`
}

// Key returns the cache key for one rendition of the asset.
func (r AssetRef) Key(size SizeClass) string {
	return CacheKey(r.CanonicalID, size)
}

// CacheKey builds the composite cache key for a (canonical ID, size class)
// pair. Different renditions of the same asset cache and evict independently.
func CacheKey(canonicalID string, size SizeClass) string {
	return canonicalID + "@" + string(size)
}
