// Package testutil provides testing utilities and mock implementations
// for assetbridge unit and integration tests.
//
// This package centralizes common testing infrastructure to:
// - Share media fixtures with real magic bytes
// - Build legacy upload trees on disk
// - Provide consistent error injection patterns
//
// Usage:
//
//	import (
//		"github.com/piwi3910/assetbridge/internal/testutil"
//		"github.com/piwi3910/assetbridge/internal/testutil/mocks"
//	)
//
//	func TestSomething(t *testing.T) {
//		storage := mocks.NewMockStorageBackend()
//		storage.FailPuts(2, errors.New("connection reset"))
//
//		root := testutil.WriteTree(t, map[string][]byte{
//			"uploads/calendar/banner-1.jpg": testutil.JPEG,
//		})
//		...
//	}
package testutil

import "os"

// IntegrationEnabled reports whether container-backed integration tests should run.
func IntegrationEnabled() bool {
	return os.Getenv("TEST_INTEGRATION") != ""
}

// GetEnvOrDefault returns the environment variable value or a default.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
