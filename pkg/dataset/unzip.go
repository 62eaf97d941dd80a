package dataset

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// unzip extracts members of archive into dir. A nil members slice extracts
// everything. Members already present are left untouched.
func unzip(archive, dir string, members []string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = r.Close() }()

	want := make(map[string]bool, len(members))
	for _, m := range members {
		want[m] = true
	}

	found := 0
	for _, zf := range r.File {
		if members != nil && !want[zf.Name] {
			continue
		}
		found++
		if err := extractFile(zf, dir); err != nil {
			return err
		}
	}
	if members != nil && found < len(members) {
		return fmt.Errorf("archive %s is missing members %v", filepath.Base(archive), members)
	}
	return nil
}

func extractFile(zf *zip.File, dir string) error {
	dest := filepath.Join(dir, filepath.FromSlash(zf.Name))
	if !strings.HasPrefix(dest, filepath.Clean(dir)+string(os.PathSeparator)) {
		return fmt.Errorf("archive member %q escapes extraction dir", zf.Name)
	}
	if zf.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0o750)
	}
	if fileExists(dest) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("creating dir for %s: %w", zf.Name, err)
	}

	src, err := zf.Open()
	if err != nil {
		return fmt.Errorf("opening member %s: %w", zf.Name, err)
	}
	defer func() { _ = src.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	// #nosec G110 -- archives come from checksum-verified registry entries
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("extracting %s: %w", zf.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
