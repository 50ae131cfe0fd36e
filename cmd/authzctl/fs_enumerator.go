// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/AleutianGate/services/authz/tiger"
)

// fsEnumerator answers directory-expansion queries from a local
// filesystem tree. Object IDs are paths relative to the root, always
// with a leading slash; zone IDs select a subdirectory so tenants stay
// separated on disk.
type fsEnumerator struct {
	root string
}

func newFSEnumerator(root string) *fsEnumerator {
	return &fsEnumerator{root: root}
}

// resolve maps an object path into the zone's subtree.
func (f *fsEnumerator) resolve(zoneID, p string) string {
	return filepath.Join(f.root, zoneID, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

// ListDescendants walks the directory recursively and returns every
// regular file beneath it.
func (f *fsEnumerator) ListDescendants(ctx context.Context, zoneID, directory string) ([]tiger.Resource, error) {
	base := f.resolve(zoneID, directory)
	var out []tiger.Resource
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filepath.Join(f.root, zoneID), p)
		if err != nil {
			return err
		}
		objPath := "/" + path.Clean(filepath.ToSlash(rel))
		out = append(out, tiger.Resource{
			Path: objPath,
			UUID: tiger.ResourceUUID(zoneID, objPath),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasChildren reports whether the path is a directory with at least one
// entry. A missing path has no children.
func (f *fsEnumerator) HasChildren(_ context.Context, zoneID, p string) (bool, error) {
	entries, err := os.ReadDir(f.resolve(zoneID, p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

var _ tiger.Enumerator = (*fsEnumerator)(nil)
