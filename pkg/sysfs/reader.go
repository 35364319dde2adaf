// Package sysfs reads power-supply attributes from the kernel's sysfs tree.
package sysfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultRoot is where the kernel exposes the power_supply class.
const DefaultRoot = "/sys/class/power_supply"

// Reader reads raw attribute files under a power_supply class directory.
// It implements supply.AttributeReader.
type Reader struct {
	root string
}

// NewReader returns a reader rooted at dir, or at DefaultRoot when dir is
// empty.
func NewReader(dir string) *Reader {
	if dir == "" {
		dir = DefaultRoot
	}
	return &Reader{root: dir}
}

// Read returns the trimmed content of one attribute file.
func (r *Reader) Read(supplyName, attribute string) (string, error) {
	path := filepath.Join(r.root, supplyName, attribute)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}

// Attributes reads every regular file in a supply's directory into a
// lower-case key/value map. Used to synthesize an add event for supplies
// already present at startup, before any uevent arrives.
func (r *Reader) Attributes(supplyName string) (map[string]string, error) {
	dir := filepath.Join(r.root, supplyName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}

	attrs := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		value, err := r.Read(supplyName, entry.Name())
		if err != nil {
			// Some attributes are write-only or unreadable depending on
			// the driver; skip them.
			continue
		}
		attrs[strings.ToLower(entry.Name())] = value
	}
	return attrs, nil
}

// List returns the names of all supplies currently present.
func (r *Reader) List() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", r.root)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}
