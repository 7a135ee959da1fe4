package provision

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Extractor unpacks archive into dir.
type Extractor interface {
	Extract(archive, dir string) error
}

// ZipExtractor unpacks zip archives. Entries escaping dir are rejected.
type ZipExtractor struct{}

func (ZipExtractor) Extract(archive, dir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create destination")
	}
	for _, entry := range r.File {
		rel := filepath.Clean(entry.Name)
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return errors.Errorf("archive entry %q escapes destination", entry.Name)
		}
		target := filepath.Join(dir, rel)
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Wrapf(err, "create %q", entry.Name)
			}
			continue
		}
		if err := extractFile(entry, target); err != nil {
			return errors.Wrapf(err, "extract %q", entry.Name)
		}
	}
	return nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
