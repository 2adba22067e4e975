package migration

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// candidate is a file discovered in a source directory.
type candidate struct {
	Path string
	Base string
}

// scanResult holds what a scan found.
type scanResult struct {
	Files      []candidate
	Scanned    int
	Duplicates []string
}

// scan walks dirs recursively and collects regular, non-hidden files as
// absolute paths. Files
// are deduplicated by base name; the first occurrence in dir order wins.
// Missing directories are logged and skipped.
func scan(ctx context.Context, dirs []string) (*scanResult, error) {
	res := &scanResult{}
	seen := make(map[string]string)

	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}

		// Paths are ledger identities, so they must not depend on the cwd.
		abs, err := filepath.Abs(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot resolve source directory, skipping")
			continue
		}

		dir = abs

		info, err := os.Stat(dir)
		if err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Source directory unavailable, skipping")
			continue
		}

		if !info.IsDir() {
			log.Warn().Str("dir", dir).Msg("Source is not a directory, skipping")
			continue
		}

		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if walkErr != nil {
				log.Warn().Err(walkErr).Str("path", path).Msg("Skipping unreadable path")

				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			name := d.Name()
			if path != dir && strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}

				return nil
			}

			if !d.Type().IsRegular() {
				return nil
			}

			res.Scanned++

			if first, dup := seen[name]; dup {
				log.Debug().Str("path", path).Str("kept", first).Msg("Duplicate filename, skipping")
				res.Duplicates = append(res.Duplicates, path)

				return nil
			}

			seen[name] = path
			res.Files = append(res.Files, candidate{Path: path, Base: name})

			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}

			log.Warn().Err(err).Str("dir", dir).Msg("Source directory scan incomplete")
		}
	}

	return res, nil
}
