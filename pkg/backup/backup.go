// Package backup copies file-backed databases aside before a fix is applied.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Info describes a completed backup.
type Info struct {
	Path     string
	SHA256   string
	Sidecars []string // -wal / -journal / .wal copies taken alongside the main file
}

var now = time.Now

// sidecarSuffixes lists companion files that hold committed pages: SQLite's
// -wal and -journal, DuckDB's .wal.
var sidecarSuffixes = []string{"-wal", "-journal", ".wal"}

// Backup copies src into dir. The name embeds the source name and a UTC
// timestamp so several runs on the same day never collide. A directory
// (Genji keeps a Pebble store) is copied recursively; its checksum covers
// every relative path and file content.
func Backup(ctx context.Context, src, dir string) (Info, error) {
	if strings.TrimSpace(src) == "" {
		return Info{}, errors.New("backup: source path is empty")
	}
	if strings.TrimSpace(dir) == "" {
		dir = filepath.Join(filepath.Dir(src), "backups")
	}
	if err := ensureDir(dir); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(src)
	if err != nil {
		return Info{}, fmt.Errorf("backup %s: %w", src, err)
	}
	name := fmt.Sprintf("%s-%s.bak", filepath.Base(src), now().UTC().Format("20060102-150405.000"))
	dest := filepath.Join(dir, name)

	var checksum string
	if stat.IsDir() {
		checksum, err = copyDirWithHash(ctx, src, dest)
	} else {
		checksum, err = copyFileWithHash(ctx, src, dest)
	}
	if err != nil {
		return Info{}, fmt.Errorf("backup %s: %w", src, err)
	}

	info := Info{Path: dest, SHA256: checksum}
	for _, suffix := range sidecarSuffixes {
		side := src + suffix
		if _, err := os.Stat(side); err != nil {
			continue
		}
		if _, err := copyFileWithHash(ctx, side, dest+suffix); err != nil {
			return Info{}, fmt.Errorf("backup %s: %w", side, err)
		}
		info.Sidecars = append(info.Sidecars, dest+suffix)
	}
	return info, nil
}

// Restore replaces dst with the backup. The copy lands next to dst first and
// is renamed into place so a failed copy never damages dst. Live sidecars of
// dst are removed and the backup's own sidecars put in their place, so no
// stale log is replayed onto the restored file.
func Restore(ctx context.Context, backupPath, dst string) error {
	if strings.TrimSpace(backupPath) == "" {
		return errors.New("backup: backup path is empty")
	}
	if strings.TrimSpace(dst) == "" {
		return errors.New("backup: restore target is empty")
	}
	stat, err := os.Stat(backupPath)
	if err != nil {
		return err
	}

	temp := dst + ".restore"
	if err := os.RemoveAll(temp); err != nil {
		return err
	}
	if stat.IsDir() {
		_, err = copyDirWithHash(ctx, backupPath, temp)
	} else {
		_, err = copyFileWithHash(ctx, backupPath, temp)
	}
	if err != nil {
		_ = os.RemoveAll(temp)
		return err
	}

	for _, suffix := range sidecarSuffixes {
		if err := os.Remove(dst + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = os.RemoveAll(temp)
			return err
		}
	}
	if stat.IsDir() {
		if err := os.RemoveAll(dst); err != nil {
			_ = os.RemoveAll(temp)
			return err
		}
	}
	if err := os.Rename(temp, dst); err != nil {
		return err
	}

	for _, suffix := range sidecarSuffixes {
		side := backupPath + suffix
		if _, err := os.Stat(side); err != nil {
			continue
		}
		if _, err := copyFileWithHash(ctx, side, dst+suffix); err != nil {
			return err
		}
	}
	return nil
}

// Checksum returns the SHA-256 of the file at path, or for a directory the
// same tree digest Backup reports.
func Checksum(path string) (string, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !stat.IsDir() {
		return fileChecksum(path)
	}
	hash := sha256.New()
	err = filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		sum, err := fileChecksum(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(hash, "%s\x00%s\n", filepath.ToSlash(rel), sum)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func ensureDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("backup: directory path is empty")
	}
	return os.MkdirAll(path, 0o755)
}

// copyFileWithHash streams src into dst while computing the SHA-256 checksum.
func copyFileWithHash(ctx context.Context, src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := ensureDir(filepath.Dir(dst)); err != nil {
		return "", err
	}

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return "", err
	}

	hash := sha256.New()
	writer := io.MultiWriter(out, hash)
	if _, err := io.Copy(writer, ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyDirWithHash copies the tree under src to dst. The checksum hashes each
// relative path followed by its file's SHA-256, in WalkDir (lexical) order.
func copyDirWithHash(ctx context.Context, src, dst string) (string, error) {
	hash := sha256.New()
	err := filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return ensureDir(target)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		sum, err := copyFileWithHash(ctx, path, target)
		if err != nil {
			return err
		}
		fmt.Fprintf(hash, "%s\x00%s\n", filepath.ToSlash(rel), sum)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ctxReader aborts a copy between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
