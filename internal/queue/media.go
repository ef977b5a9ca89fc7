package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// HashFile computes SHA256 hash of a file
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// LocalPath turns a source URI into a filesystem path. Plain paths are
// returned unchanged; file:// URIs are unescaped.
func LocalPath(uri string) string {
	if !strings.HasPrefix(uri, "file://") {
		return uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return strings.TrimPrefix(uri, "file://")
	}
	return u.Path
}

// mediaExtension picks the extension for a durable copy: the source suffix
// when it has one, otherwise the kind's default.
func mediaExtension(kind Kind, sourceURI string) string {
	p := LocalPath(sourceURI)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.ToLower(filepath.Ext(p))
	if ext == "" || ext == "." || strings.ContainsAny(ext, `/\`) {
		return kind.DefaultExtension()
	}
	return ext
}

// copyVerified streams src to dst and checks that size and SHA256 of the
// written bytes match the source. dst is removed on any failure.
// Returns the hex checksum.
func copyVerified(src, dst string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if srcInfo.IsDir() {
		return "", fmt.Errorf("source is a directory: %s", src)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	srcHasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, srcHasher), in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}

	if written != srcInfo.Size() {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcInfo.Size(), written)
	}

	sum := hex.EncodeToString(srcHasher.Sum(nil))
	dstSum, err := HashFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if dstSum != sum {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return sum, nil
}

// removeOwned deletes path if it lives inside the media directory.
// Files outside it (fallback source URIs) belong to the caller.
func (s *Store) removeOwned(path string) {
	if path == "" || !s.owns(path) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove media copy", "path", path, "error", err)
		return
	}
	s.logger.Debug("media copy removed", "path", path)
}

func (s *Store) owns(path string) bool {
	rel, err := filepath.Rel(s.mediaDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
