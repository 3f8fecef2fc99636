// Package yaml reads and writes the YAML state files kept under the status
// directory. Writes go through a temp file and a rename so readers never see
// a torn document.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// BackupSuffix is appended to the previous version of a file on every write.
const BackupSuffix = ".bak"

const tempPattern = ".stampede-tmp-*.yaml"

// WriteFile marshals v and atomically replaces path with it. The previous
// content, if any, is kept at path+BackupSuffix.
func WriteFile(path string, v any) error {
	content, err := yamlv3.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteRaw(path, content)
}

// WriteRaw atomically replaces path with content after checking that content
// parses as YAML.
func WriteRaw(path string, content []byte) error {
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpName, err := stage(filepath.Dir(path), content)
	if err != nil {
		return err
	}
	if err := backup(path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// stage writes content to a synced temp file in dir and returns its name.
func stage(dir string, content []byte) (name string, err error) {
	f, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name = f.Name()
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close temp file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(name)
		}
	}()

	if _, err = f.Write(content); err != nil {
		return name, fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		return name, fmt.Errorf("sync temp file: %w", err)
	}
	return name, nil
}

// backup copies the current content of path aside. A missing file has
// nothing to back up.
func backup(path string) error {
	err := copyFile(path, path+BackupSuffix)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("back up %s: %w", filepath.Base(path), err)
}

// ReadFile unmarshals path into v. A missing file yields an error wrapping
// os.ErrNotExist.
func ReadFile(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, v); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// CorruptError reports a file that exists but does not parse.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s does not parse: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}

// copyFile replaces dst with the bytes of src, synced.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
