package upload

import (
	"path"
	"strings"
)

// DefaultContentType is used for unknown extensions.
const DefaultContentType = "application/octet-stream"

// Media families used by the verifier to compare stored and detected content.
const (
	FamilyImage = "image"
	FamilyVideo = "video"
	FamilyOther = "other"
)

var contentTypes = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".ico":  "image/x-icon",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".avif": "image/avif",
	".heic": "image/heic",

	// video
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",
	".mkv":  "video/x-matroska",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".ogv":  "video/ogg",
	".3gp":  "video/3gpp",

	// documents
	".pdf": "application/pdf",
	".zip": "application/zip",
}

// ContentTypeFor returns the MIME type for filename's extension.
func ContentTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}

	return DefaultContentType
}

// FamilyOf returns the media family of a MIME type.
func FamilyOf(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))

	switch {
	case strings.HasPrefix(ct, "image/"):
		return FamilyImage
	case strings.HasPrefix(ct, "video/"):
		return FamilyVideo
	default:
		return FamilyOther
	}
}
