// Package bucket routes logical media categories to object-storage buckets.
//
// Every media asset belongs to one of a fixed set of buckets. The Router maps
// the free-form media type used by the portal ("calendar", "vendor",
// "banner", ...) onto that set. Unknown or empty media types land in the
// DEFAULT bucket, so Resolve never fails.
//
// Object keys follow a single convention shared by every component:
//
//	{mediaType}/{filename}
package bucket

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Bucket names.
const (
	Default   = "DEFAULT"
	Calendar  = "CALENDAR"
	Forum     = "FORUM"
	Vendors   = "VENDORS"
	Sale      = "SALE"
	Community = "COMMUNITY"
)

// UncategorizedType is the key prefix used when an asset has no media type.
const UncategorizedType = "uncategorized"

// ErrInvalidFilename is returned when a filename has no usable base name.
var ErrInvalidFilename = errors.New("invalid filename")

// ErrInvalidMediaType is returned when a media type cannot be used as a key
// prefix: it contains a path separator or a ".." segment.
var ErrInvalidMediaType = errors.New("invalid media type")

// ErrUnknownBucket is returned when an alias targets a bucket outside the fixed set.
var ErrUnknownBucket = errors.New("unknown bucket")

var known = map[string]bool{
	Default:   true,
	Calendar:  true,
	Forum:     true,
	Vendors:   true,
	Sale:      true,
	Community: true,
}

// builtin is the assignment table compiled into the binary.
var builtin = map[string]string{
	"calendar":    Calendar,
	"event":       Calendar,
	"events":      Calendar,
	"forum":       Forum,
	"vendor":      Vendors,
	"vendors":     Vendors,
	"real_estate": Sale,
	"sale":        Sale,
	"community":   Community,
	"banner":      Default,
	"avatar":      Default,
	"icon":        Default,
}

// Router maps media types to bucket names. It is immutable after construction
// and safe for concurrent use.
type Router struct {
	table map[string]string
}

// NewRouter returns a Router using the built-in table extended with aliases.
// Alias keys are matched case-insensitively; alias values must name one of
// the fixed buckets.
func NewRouter(aliases map[string]string) (*Router, error) {
	table := make(map[string]string, len(builtin)+len(aliases))
	for k, v := range builtin {
		table[k] = v
	}

	for mediaType, name := range aliases {
		target := strings.ToUpper(strings.TrimSpace(name))
		if !known[target] {
			return nil, fmt.Errorf("%w: %q for media type %q", ErrUnknownBucket, name, mediaType)
		}

		table[normalize(mediaType)] = target
	}

	return &Router{table: table}, nil
}

// DefaultRouter returns a Router using only the built-in table.
func DefaultRouter() *Router {
	r, _ := NewRouter(nil)
	return r
}

// Resolve returns the bucket for mediaType.
func (r *Router) Resolve(mediaType string) string {
	if b, ok := r.table[normalize(mediaType)]; ok {
		return b
	}

	return Default
}

// Table returns a copy of the media type to bucket assignments.
func (r *Router) Table() map[string]string {
	out := make(map[string]string, len(r.table))
	for k, v := range r.table {
		out[k] = v
	}

	return out
}

// IsKnown reports whether name is one of the fixed bucket names.
func IsKnown(name string) bool {
	return known[name]
}

// Names returns the fixed bucket names in sorted order.
func Names() []string {
	names := make([]string, 0, len(known))
	for n := range known {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// NormalizeType lower-cases and trims a media type, substituting
// UncategorizedType for an empty one.
func NormalizeType(mediaType string) string {
	t := normalize(mediaType)
	if t == "" {
		return UncategorizedType
	}

	return t
}

// ValidateType rejects media types that would escape their key prefix.
func ValidateType(mediaType string) error {
	t := normalize(mediaType)
	if strings.ContainsAny(t, `/\`) || strings.Contains(t, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidMediaType, mediaType)
	}

	return nil
}

// ObjectKey builds the storage key for a file of the given media type.
// Only the base name of filename is used.
func ObjectKey(mediaType, filename string) (string, error) {
	if err := ValidateType(mediaType); err != nil {
		return "", err
	}

	base := BaseName(filename)
	if base == "" || base == "." || base == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}

	return NormalizeType(mediaType) + "/" + base, nil
}

// BaseName returns the last element of a filesystem path or URL reference.
// Query strings and fragments are dropped from absolute URLs.
func BaseName(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "://") {
		if i := strings.IndexAny(ref, "?#"); i >= 0 {
			ref = ref[:i]
		}
	}

	ref = strings.ReplaceAll(ref, "\\", "/")
	ref = strings.TrimRight(ref, "/")

	if ref == "" {
		return ""
	}

	return path.Base(ref)
}

func normalize(mediaType string) string {
	return strings.ToLower(strings.TrimSpace(mediaType))
}
