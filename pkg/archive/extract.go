package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// unpack extracts an archive into dir, dispatching on extension.
func (c *Cache) unpack(ctx context.Context, archivePath, dir string) error {
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache entry %s: %w", dir, err)
	}

	log.Info().Str("archive", archivePath).Str("dir", dir).Msg("extracting archive")

	name := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return c.unpackTar(ctx, archivePath, dir, true)
	case strings.HasSuffix(name, ".tar"):
		return c.unpackTar(ctx, archivePath, dir, false)
	case strings.HasSuffix(name, ".zip"):
		return c.unpackZip(ctx, archivePath, dir)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

func (c *Cache) unpackTar(ctx context.Context, archivePath, dir string, gzipped bool) error {
	f, err := c.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("gunzip %s: %w", archivePath, err)
		}
		defer gz.Close()

		r = gz
	}

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}

		rel, err := safeRel(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := c.fs.MkdirAll(filepath.Join(dir, rel), 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := c.writeEntry(filepath.Join(dir, rel), tr); err != nil {
				return err
			}
		default:
			log.Debug().Str("entry", hdr.Name).Msg("skipping non-regular archive entry")
		}
	}
}

func (c *Cache) unpackZip(ctx context.Context, archivePath, dir string) error {
	f, err := c.fs.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return fmt.Errorf("reading %s: %w", archivePath, err)
	}

	for _, entry := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := safeRel(entry.Name)
		if err != nil {
			return err
		}
		if rel == "" || strings.HasSuffix(entry.Name, "/") {
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry %s: %w", entry.Name, err)
		}

		err = c.writeEntry(filepath.Join(dir, rel), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) writeEntry(path string, r io.Reader) error {
	if err := c.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	out, err := c.fs.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return out.Close()
}

// safeRel rejects entries that would escape the extraction directory.
func safeRel(name string) (string, error) {
	rel := filepath.ToSlash(filepath.Clean(name))
	if rel == "." {
		return "", nil
	}

	if filepath.IsAbs(name) || strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}

	return rel, nil
}
