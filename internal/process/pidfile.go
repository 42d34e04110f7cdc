package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/loykin/devrun/internal/detector"
)

// WritePIDFile overwrites path with info. The file is written to a temporary
// sibling and renamed so readers never observe a partial PID.
func WritePIDFile(path string, info detector.PIDInfo) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrPIDFileUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPIDFileUnavailable, err)
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(detector.FormatPIDFile(info))
	cerr := tmp.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmpName, 0o600)
	}
	if werr == nil {
		werr = os.Rename(tmpName, path)
	}
	if werr != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write %s: %v", ErrPIDFileUnavailable, path, werr)
	}
	return nil
}

// CheckPIDFileAccess verifies that path exists and can be opened for reading
// and writing.
func CheckPIDFileAccess(path string) error {
	if path == "" {
		return fmt.Errorf("%w: no pid file configured", ErrPIDFileUnavailable)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrPIDFileUnavailable, path)
		}
		return fmt.Errorf("%w: %v", ErrPIDFileUnavailable, err)
	}
	return f.Close()
}

// ReadPIDFile checks access to path and parses its content.
func ReadPIDFile(path string) (detector.PIDInfo, error) {
	if err := CheckPIDFileAccess(path); err != nil {
		return detector.PIDInfo{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return detector.PIDInfo{}, fmt.Errorf("%w: %v", ErrPIDFileUnavailable, err)
	}
	info, err := detector.ParsePIDFile(b)
	if err != nil {
		return detector.PIDInfo{}, fmt.Errorf("%w: %s: %v", ErrMalformedPID, path, err)
	}
	return info, nil
}

// RemovePIDFile removes path, ignoring a missing file.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
