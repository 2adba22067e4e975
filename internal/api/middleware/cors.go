package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowedOrigins []string
	// MaxAge is how long, in seconds, browsers may cache a preflight response.
	MaxAge int
}

// DefaultCORSConfig allows any origin to fetch media.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		MaxAge:         300,
	}
}

// CORS returns a middleware answering preflight requests and exposing the
// headers clients need to tell placeholders from real media.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultCORSConfig().AllowedOrigins
	}

	wildcard := false

	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{"X-Media-Default", RequestIDHeader, "Content-Length", "ETag"},
		// Credentials cannot be combined with a wildcard origin.
		AllowCredentials: !wildcard,
		MaxAge:           cfg.MaxAge,
	})
}
