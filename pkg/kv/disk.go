package kv

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Disk is a Store backed by a local directory tree. Keys map to files: the
// key is base64url-encoded as the file name so arbitrary key bytes (slashes
// included) never collide with the directory structure spec.md's prefixes
// expect callers to rely on.
type Disk struct {
	root string
}

// NewDisk opens (creating if needed) a directory-tree Store rooted at dir.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Class: ClassPermanent, Op: "disk.Open", Err: err}
	}
	return &Disk{root: dir}, nil
}

func (d *Disk) path(key string) string {
	return filepath.Join(d.root, base64.RawURLEncoding.EncodeToString([]byte(key)))
}

func (d *Disk) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(d.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Class: ClassTransient, Op: "disk.Get", Err: err}
	}
	return data, true, nil
}

func (d *Disk) Put(_ context.Context, key string, value []byte) error {
	tmp := d.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return &Error{Class: ClassTransient, Op: "disk.Put", Err: err}
	}
	if err := os.Rename(tmp, d.path(key)); err != nil {
		return &Error{Class: ClassTransient, Op: "disk.Put", Err: err}
	}
	return nil
}

func (d *Disk) Delete(_ context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return &Error{Class: ClassTransient, Op: "disk.Delete", Err: err}
	}
	return nil
}

func (d *Disk) List(_ context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, "", &Error{Class: ClassTransient, Op: "disk.List", Err: err}
	}

	var matched []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(e.Name())
		if err != nil {
			continue
		}
		key := string(raw)
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(matched, cursor)
		if start < len(matched) && matched[start] == cursor {
			start++
		}
	}
	if start >= len(matched) {
		return nil, "", nil
	}
	end := len(matched)
	next := ""
	if maxKeys > 0 && start+maxKeys < end {
		end = start + maxKeys
		next = matched[end-1]
	}
	return matched[start:end], next, nil
}

func (d *Disk) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return BatchBySizingPolicy(ctx, keys, d.Get, nil)
}
