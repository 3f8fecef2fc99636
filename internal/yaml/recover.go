package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// QuarantineDir is created next to a corrupt file to hold it for inspection.
const QuarantineDir = "quarantine"

// Quarantine moves path into <dir of path>/quarantine/ and returns the new
// location.
func Quarantine(path string) (string, error) {
	qdir := filepath.Join(filepath.Dir(path), QuarantineDir)
	if err := os.MkdirAll(qdir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(qdir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405.000")))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// ReadFileRecover behaves like ReadFile, except that a corrupt file is moved
// to quarantine and the backup written by the previous WriteFile is read
// instead. recovered reports whether the backup was used.
func ReadFileRecover(path string, v any) (recovered bool, err error) {
	err = ReadFile(path, v)
	if err == nil || !IsCorrupt(err) {
		return false, err
	}

	if _, qerr := Quarantine(path); qerr != nil {
		return false, errors.Join(err, qerr)
	}

	bak := path + BackupSuffix
	if berr := ReadFile(bak, v); berr != nil {
		return false, fmt.Errorf("%w; backup unusable: %v", err, berr)
	}
	if cerr := copyFile(bak, path); cerr != nil {
		return true, fmt.Errorf("restore %s from backup: %w", path, cerr)
	}
	return true, nil
}
