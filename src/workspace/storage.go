// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage creates and removes the backing area of a workspace. Every Create
// must return a path that no live workspace uses, even for a repeated id, so
// a late Destroy of an old incarnation cannot hit a new one.
type Storage interface {
	Create(ctx context.Context, id string) (string, error)
	Destroy(ctx context.Context, path string) error
}

// DirStorage keeps each workspace in its own directory below Root.
type DirStorage struct {
	Root string
}

func NewDirStorage(root string) (*DirStorage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace: storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: ensure root %s: %w", root, err)
	}
	return &DirStorage{Root: root}, nil
}

func (s *DirStorage) Create(ctx context.Context, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(s.Root, id+"-")
	if err != nil {
		return "", fmt.Errorf("workspace: create dir for %s: %w", id, err)
	}
	return dir, nil
}

func (s *DirStorage) Destroy(_ context.Context, path string) error {
	if !s.owns(path) {
		return fmt.Errorf("workspace: refusing to remove %s outside %s", path, s.Root)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", path, err)
	}
	return nil
}

func (s *DirStorage) owns(path string) bool {
	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// Prune removes directories under Root untouched for longer than retention.
// The pool only tracks workspaces it created, so this is how directories
// left by an earlier process get reclaimed. Run it before the pool starts.
func (s *DirStorage) Prune(ctx context.Context, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return 0, fmt.Errorf("workspace: list %s: %w", s.Root, err)
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := s.Destroy(ctx, filepath.Join(s.Root, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
