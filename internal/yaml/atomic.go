// Package yaml provides crash-safe YAML file I/O and recovery of corrupt state files.
package yaml

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrExists is returned by WriteOnce when the target is already present.
var ErrExists = errors.New("file already exists")

// AtomicWrite marshals data and replaces path with it, keeping the previous
// version as path.bak.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return AtomicWriteRaw(path, content)
}

// AtomicWriteRaw replaces path with already encoded YAML. Content that does
// not parse is rejected before anything on disk changes.
func AtomicWriteRaw(path string, content []byte) error {
	if err := validateYAML(content); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}
	return commit(path, content, placeReplace, true)
}

// AtomicWriteFile replaces path with content without validation or backup.
// It is meant for derived files such as dashboards and task output.
func AtomicWriteFile(path string, content []byte) error {
	return commit(path, content, placeReplace, false)
}

// WriteOnce marshals data into a new file at path. It returns ErrExists, and
// leaves the file untouched, if path is already present.
func WriteOnce(path string, data any) error {
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return commit(path, content, placeExclusive, false)
}

// Read decodes a YAML file into out.
func Read(path string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type placement int

const (
	// placeReplace renames over whatever is at the target.
	placeReplace placement = iota
	// placeExclusive links into place and fails if the target exists.
	placeExclusive
)

// commit stages content in a synced temp file beside path and moves it into
// place, then syncs the directory so the new entry survives a crash.
func commit(path string, content []byte, how placement, backup bool) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".artifactd-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	switch how {
	case placeExclusive:
		if err := os.Link(tmpName, path); err != nil {
			if errors.Is(err, os.ErrExist) {
				return ErrExists
			}
			return fmt.Errorf("link into place: %w", err)
		}
	default:
		if backup {
			if err := copyFile(path, path+".bak"); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("create backup: %w", err)
			}
		}
		if err := os.Rename(tmpName, path); err != nil {
			return fmt.Errorf("atomic rename: %w", err)
		}
	}
	return syncDir(dir)
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
