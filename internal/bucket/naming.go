package bucket

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidBucketName is returned for physical bucket names that break S3 naming rules.
var ErrInvalidBucketName = errors.New("invalid bucket name")

var (
	bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	ipRegex         = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// Namer translates logical bucket names into physical S3 bucket names.
type Namer struct {
	prefix    string
	overrides map[string]string
}

// NewNamer returns a Namer that maps a logical name to prefix+lower(name)
// unless overrides names it explicitly. Every resulting physical name is
// validated against S3 naming rules.
func NewNamer(prefix string, overrides map[string]string) (*Namer, error) {
	n := &Namer{prefix: strings.ToLower(prefix), overrides: make(map[string]string, len(overrides))}

	for logical, physical := range overrides {
		n.overrides[strings.ToUpper(logical)] = physical
	}

	for _, logical := range Names() {
		if err := ValidateBucketName(n.Physical(logical)); err != nil {
			return nil, fmt.Errorf("bucket %s: %w", logical, err)
		}
	}

	return n, nil
}

// DefaultNamer maps each logical bucket to its lower-cased name.
func DefaultNamer() *Namer {
	return &Namer{overrides: map[string]string{}}
}

// Physical returns the physical bucket name for a logical one.
func (n *Namer) Physical(logical string) string {
	if n == nil {
		return strings.ToLower(logical)
	}

	if p, ok := n.overrides[strings.ToUpper(logical)]; ok {
		return p
	}

	return n.prefix + strings.ToLower(logical)
}

// ValidateBucketName validates S3 bucket naming rules.
func ValidateBucketName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("%w: must be between 3 and 63 characters", ErrInvalidBucketName)
	}

	if !bucketNameRegex.MatchString(name) {
		return fmt.Errorf("%w: only lowercase letters, numbers, hyphens and periods are allowed", ErrInvalidBucketName)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("%w: cannot contain consecutive periods", ErrInvalidBucketName)
	}

	if ipRegex.MatchString(name) {
		return fmt.Errorf("%w: cannot be formatted as an IP address", ErrInvalidBucketName)
	}

	return nil
}
