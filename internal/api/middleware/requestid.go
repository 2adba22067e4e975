// Package middleware provides the HTTP middleware shared by the proxy and
// the API routes.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-Id"

// Inbound IDs longer than this, or with unexpected characters, are replaced.
const maxInboundIDLength = 128

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)

var requestCounter atomic.Uint64

// RequestID assigns every request an ID, reusing a well-formed one set by a
// load balancer. The ID is echoed in the response and stored in the context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if len(requestID) > maxInboundIDLength || !validRequestID.MatchString(requestID) {
			requestID = generateRequestID()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(SetRequestID(r.Context(), requestID)))
	})
}

// GetRequestID retrieves the request ID from the context.
// Returns an empty string if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}

	return ""
}

// SetRequestID sets a request ID in the context.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// generateRequestID returns 16 bytes, URL-safe base64 encoded: a 48-bit
// millisecond timestamp, a 32-bit counter and 6 random bytes. IDs sort by
// creation time.
func generateRequestID() string {
	var buf [16]byte

	//nolint:gosec // G115: timestamp is always positive for current time
	ms := uint64(time.Now().UnixMilli())

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	copy(buf[0:6], ts[2:])

	//nolint:gosec // G115: wraparound is fine
	binary.BigEndian.PutUint32(buf[6:10], uint32(requestCounter.Add(1)))

	_, _ = rand.Read(buf[10:])

	return base64.RawURLEncoding.EncodeToString(buf[:])
}
