package upload

import (
	"errors"
	"fmt"
)

// ErrTooLarge is returned when a non-seekable payload exceeds the buffer limit.
var ErrTooLarge = errors.New("upload payload exceeds size limit")

// Error describes an upload that failed after exhausting its attempts.
type Error struct {
	Bucket   string
	Key      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload of %s/%s failed after %d attempt(s): %v", e.Bucket, e.Key, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
