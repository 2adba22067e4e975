package bucket

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterResolve(t *testing.T) {
	r := DefaultRouter()

	tests := []struct {
		mediaType string
		want      string
	}{
		{"calendar", Calendar},
		{"CALENDAR", Calendar},
		{"  Calendar ", Calendar},
		{"forum", Forum},
		{"vendor", Vendors},
		{"real_estate", Sale},
		{"community", Community},
		{"banner", Default},
		{"avatar", Default},
		{"icon", Default},
		{"", Default},
		{"unheard-of", Default},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.mediaType))
		})
	}
}

func TestRouterAlwaysReturnsKnownBucket(t *testing.T) {
	r := DefaultRouter()

	for _, mt := range []string{"", "x", "CALENDAR", "Real_Estate", "vendors", "💥"} {
		assert.True(t, IsKnown(r.Resolve(mt)), mt)
	}
}

func TestNewRouterAliases(t *testing.T) {
	t.Run("adds alias", func(t *testing.T) {
		r, err := NewRouter(map[string]string{"Classified": "sale"})
		require.NoError(t, err)

		assert.Equal(t, Sale, r.Resolve("classified"))
		assert.Equal(t, Calendar, r.Resolve("calendar"))
	})

	t.Run("rejects unknown bucket", func(t *testing.T) {
		_, err := NewRouter(map[string]string{"blog": "BLOG"})
		assert.ErrorIs(t, err, ErrUnknownBucket)
	})

	t.Run("table is a copy", func(t *testing.T) {
		r := DefaultRouter()
		table := r.Table()
		table["calendar"] = Forum

		assert.Equal(t, Calendar, r.Resolve("calendar"))
	})
}

func TestRouterConcurrentUse(t *testing.T) {
	r := DefaultRouter()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				assert.Equal(t, Forum, r.Resolve("Forum"))
			}
		}()
	}

	wg.Wait()
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		filename  string
		want      string
		wantErr   bool
	}{
		{"plain", "calendar", "banner-1.jpg", "calendar/banner-1.jpg", false},
		{"lower-cases type", "Calendar", "banner-1.jpg", "calendar/banner-1.jpg", false},
		{"strips directories", "forum", "/var/www/uploads/forum/a.png", "forum/a.png", false},
		{"windows separators", "forum", `C:\legacy\forum\b.png`, "forum/b.png", false},
		{"empty type", "", "x.svg", "uncategorized/x.svg", false},
		{"keeps hash in file name", "forum", "/data/a#1.png", "forum/a#1.png", false},
		{"url drops query", "banner", "https://old.example.com/img/top.jpg?v=3", "banner/top.jpg", false},
		{"empty file", "forum", "", "", true},
		{"dot dot", "forum", "..", "", true},
		{"only slashes", "forum", "///", "", true},
	}

	for _, mediaType := range []string{"..", "a/b", `a\b`, "../etc", "forum/.."} {
		t.Run("media type "+mediaType, func(t *testing.T) {
			_, err := ObjectKey(mediaType, "x.jpg")
			assert.ErrorIs(t, err, ErrInvalidMediaType)
		})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ObjectKey(tt.mediaType, tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilename)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"CALENDAR", "COMMUNITY", "DEFAULT", "FORUM", "SALE", "VENDORS"}, Names())
}
