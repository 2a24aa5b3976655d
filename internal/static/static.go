// Package static resolves request paths to files under a public directory and maps file
// extensions to content types. It backs the catch-all route of the todofetch server.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrOutsideRoot = errors.New("path escapes public directory")
)

// IndexFile is served for the root path.
const IndexFile = "index.html"

var contentTypes = map[string]string{
	".html":  "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".json":  "application/json",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
}

// ContentType returns the MIME type for a file name, case-insensitively on the extension.
// Unknown extensions are served as application/octet-stream.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Dir serves files rooted at a base directory.
type Dir struct {
	basePath string
}

// NewDir creates a Dir rooted at basePath. The directory does not need to exist yet; lookups
// against a missing directory simply report ErrNotFound.
func NewDir(basePath string) (*Dir, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve public directory %q: %w", basePath, err)
	}
	return &Dir{basePath: abs}, nil
}

// BasePath returns the absolute directory files are served from.
func (d *Dir) BasePath() string {
	return d.basePath
}

// Resolve maps a URL path to a regular file under the base directory. A path without an
// extension that names no file is retried with ".html" appended.
func (d *Dir) Resolve(urlPath string) (string, error) {
	rel := strings.TrimPrefix(urlPath, "/")
	if rel == "" {
		rel = IndexFile
	}

	// Reject traversal before cleaning so "/a/../../etc/passwd" is refused rather than
	// silently rewritten.
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", ErrOutsideRoot
		}
	}

	fullPath := filepath.Join(d.basePath, filepath.FromSlash(path.Clean("/"+rel)))
	if fullPath != d.basePath && !strings.HasPrefix(fullPath, d.basePath+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}

	found, err := isRegularFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", urlPath, err)
	}
	if found {
		return fullPath, nil
	}

	// Extensionless paths fall back to the matching page, so /about serves about.html.
	if filepath.Ext(fullPath) == "" && fullPath != d.basePath {
		page := fullPath + ".html"
		found, err = isRegularFile(page)
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", urlPath, err)
		}
		if found {
			return page, nil
		}
	}
	return "", ErrNotFound
}

func isRegularFile(p string) (bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		// ENOTDIR: a path component is a regular file, as in /index.html/foo.
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

// Read returns the content and content type of the file at urlPath.
func (d *Dir) Read(urlPath string) ([]byte, string, error) {
	fullPath, err := d.Resolve(urlPath)
	if err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(fullPath) // #nosec G304 -- path confined to basePath by Resolve
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", urlPath, err)
	}
	return data, ContentType(fullPath), nil
}
