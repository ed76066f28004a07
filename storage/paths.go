// Package storage uploads binaries to the remote object store, resolves
// canonical destination paths, and fetches thumbnail renditions. Transient
// failures are retried with exponential backoff; permanent failures surface
// immediately.
package storage

import (
	"fmt"
	"strings"
	"time"

	assetpipeline "github.com/wolfeidau/asset-pipeline"
)

// Destination categories. The remote store is browsed by humans, so the
// hierarchy is fixed and readable.
const (
	CategoryWireDrops  = "wire_drops"
	CategoryFloorPlans = "floor_plans"
	CategoryIssues     = "issues"
)

// Stage and type tags used in destination file names.
const (
	KindPrewire    = "PREWIRE"
	KindTrimout    = "TRIMOUT"
	KindCommission = "COMMISSION"
	KindFloorPlan  = "FLOORPLAN"
	KindIssue      = "ISSUE"
)

const (
	// maxNameLength caps the sanitized descriptor before the timestamp
	// suffix is appended.
	maxNameLength = 50

	timestampLayout = "2006-01-02_15-04-05"

	defaultExtension = "jpg"
)

// OwnerContext describes where an uploaded binary belongs and how its
// destination file should be named.
type OwnerContext struct {
	// Category selects the top level hierarchy, e.g. CategoryWireDrops.
	Category string
	// Owner is the human readable owner descriptor, e.g. a room and drop
	// name or a floor plan page title.
	Owner string
	// Kind is the uppercase stage or type tag, e.g. KindPrewire.
	Kind string
	// Name is the human readable descriptor for the file itself.
	Name string
	// Ext is the file extension without the leading dot. Defaults to jpg.
	Ext string
}

// Resolver builds canonical destination paths. Each category must have a
// remote root registered before uploads to it can be resolved.
type Resolver struct {
	roots map[string]string
	now   func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRoot registers the remote root namespace for a category.
func WithRoot(category, root string) ResolverOption {
	return func(r *Resolver) {
		r.roots[category] = root
	}
}

// WithClock sets the time source used for timestamp suffixes.
func WithClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a resolver with the standard categories rooted at
// their own names. Options can re-root or add categories.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		roots: map[string]string{
			CategoryWireDrops:  CategoryWireDrops,
			CategoryFloorPlans: CategoryFloorPlans,
			CategoryIssues:     CategoryIssues,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveDestination builds the canonical destination path for an owner
// context:
//
//	{category}/{owner}/{KIND}_{sanitized-name}_{timestamp}.{ext}
//
// It fails with ErrNoDestinationRoot before any network activity when the
// category has no registered remote root.
func (r *Resolver) ResolveDestination(oc OwnerContext) (string, error) {
	root, ok := r.roots[oc.Category]
	if !ok || root == "" {
		return "", fmt.Errorf("%w: category %q", assetpipeline.ErrNoDestinationRoot, oc.Category)
	}

	owner := Sanitize(oc.Owner)
	if owner == "" {
		return "", fmt.Errorf("%w: empty owner descriptor", assetpipeline.ErrNoDestinationRoot)
	}

	name := Sanitize(oc.Name)
	if len(name) > maxNameLength {
		name = strings.TrimRight(name[:maxNameLength], "_")
	}

	ext := strings.TrimPrefix(strings.ToLower(oc.Ext), ".")
	if ext == "" {
		ext = defaultExtension
	}

	timestamp := r.now().UTC().Format(timestampLayout)

	return fmt.Sprintf("%s/%s/%s_%s_%s.%s",
		root, owner, strings.ToUpper(oc.Kind), name, timestamp, ext), nil
}

// Sanitize strips characters the remote store's path grammar cannot carry
// and turns whitespace runs into single underscores. The result stays
// human readable when browsing the store directly.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	space := false
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t':
			space = true
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' ||
			r == '"' || r == '<' || r == '>' || r == '|' || r == '#':
			// dropped
		case r < 0x20 || r == 0x7f:
			// control characters dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte('_')
			}
			space = false
			b.WriteRune(r)
		}
	}

	return b.String()
}
