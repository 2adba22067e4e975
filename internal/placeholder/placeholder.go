// Package placeholder serves the category placeholder images compiled into
// the binary. They stay available when object storage is unreachable.
package placeholder

import (
	"embed"
	"path"

	"github.com/piwi3910/assetbridge/internal/bucket"
)

//go:embed assets/*.svg
var assets embed.FS

// ContentType of every placeholder.
const ContentType = "image/svg+xml"

// KeyPrefix is the object key prefix under which placeholders are addressed.
const KeyPrefix = "placeholders/"

// Fallback is served for buckets without a dedicated placeholder.
const Fallback = "default-image.svg"

var byBucket = map[string]string{
	bucket.Default:   Fallback,
	bucket.Calendar:  "default-event-image.svg",
	bucket.Forum:     "default-forum-image.svg",
	bucket.Vendors:   "default-vendor-image.svg",
	bucket.Sale:      "default-sale-image.svg",
	bucket.Community: "default-community-image.svg",
}

// NameFor returns the placeholder file name for a bucket.
func NameFor(bucketName string) string {
	if name, ok := byBucket[bucketName]; ok {
		return name
	}

	return Fallback
}

// Key returns the object key of a placeholder in the DEFAULT bucket.
func Key(name string) string {
	return KeyPrefix + name
}

// Lookup returns the embedded placeholder called name.
func Lookup(name string) ([]byte, bool) {
	if name == "" || path.Base(name) != name {
		return nil, false
	}

	data, err := assets.ReadFile("assets/" + name)
	if err != nil {
		return nil, false
	}

	return data, true
}

// ForBucket returns the placeholder name and bytes for a bucket.
func ForBucket(bucketName string) (string, []byte) {
	name := NameFor(bucketName)

	data, ok := Lookup(name)
	if !ok {
		// Embedded at build time; only reachable if assets/ was tampered with.
		data, _ = Lookup(Fallback)
		name = Fallback
	}

	return name, data
}
