package services

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// FramePattern matches the files of an extracted frame sequence.
const FramePattern = "frame_*.png"

// ArchiveZip packs every regular file in dir into a zip at dest.
func ArchiveZip(dir, dest string) error {
	files, err := listFiles(dir)
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: failed to create archive: %v", ErrIO, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, name := range files {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("%w: failed to add %s: %v", ErrIO, name, err)
		}
		if err := copyInto(w, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: failed to finish archive: %v", ErrIO, err)
	}
	return out.Close()
}

// ArchiveTarGzip packs every regular file in dir into a gzipped tar at dest.
func ArchiveTarGzip(dir, dest string) error {
	files, err := listFiles(dir)
	if err != nil {
		return err
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: failed to create archive: %v", ErrIO, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)
	for _, name := range files {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("%w: failed to add %s: %v", ErrIO, name, err)
		}
		if err := copyInto(tw, path); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("%w: failed to finish archive: %v", ErrIO, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("%w: failed to finish archive: %v", ErrIO, err)
	}
	return out.Close()
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrIO, dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("%w: failed to archive %s: %v", ErrIO, path, err)
	}
	return nil
}
