package store

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// ArchiveExtension is appended to entry names for exported archives.
const ArchiveExtension = ".tar.zst"

// Archive writes the named entry to w as a zstd compressed tarball whose
// paths start with the entry name.
func (s *Store) Archive(ctx context.Context, name string, w io.Writer) error {
	root, err := s.Path(name)
	if err != nil {
		return err
	}

	// Create a Zstandard writer
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create Zstandard writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(name, filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		return copyFile(tw, p)
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return fmt.Errorf("failed to archive %s: %w", name, err)
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish Zstandard stream: %w", err)
	}
	s.log.Info("artifact archived", "kind", string(s.kind), "name", name)
	return nil
}

func copyFile(w io.Writer, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
