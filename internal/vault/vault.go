package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

// DefaultPath is the vault root used when none is configured.
const DefaultPath = "/vault"

var (
	// ErrEscapesVault is returned for paths that resolve outside the root.
	ErrEscapesVault = errors.New("path escapes vault")
	// ErrNotFound is returned when a file or directory does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a destination already exists.
	ErrExists = errors.New("destination already exists")
	// ErrNotAFile is returned when a file operation targets a directory.
	ErrNotAFile = errors.New("not a file")
	// ErrNotADirectory is returned when a directory operation targets a file.
	ErrNotADirectory = errors.New("not a directory")
	// ErrDirectoryNotEmpty is returned by a non-recursive DeleteDir.
	ErrDirectoryNotEmpty = errors.New("directory is not empty")
	// ErrVaultRoot is returned when an operation would remove or replace the root.
	ErrVaultRoot = errors.New("operation not allowed on the vault root")
	// ErrVaultUnavailable is returned when the root is missing or not a directory.
	ErrVaultUnavailable = errors.New("vault unavailable")
)

// Option configures a Vault.
type Option func(*Vault)

// WithClock sets the time source used for date variables.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// Vault confines file operations to a root directory.
// All paths taken and returned are relative to the root and use forward slashes.
type Vault struct {
	root   string
	now    func() time.Time
	logger *slog.Logger
}

// New creates a vault rooted at root. The root does not need to exist yet;
// write operations fail with ErrVaultUnavailable until it does.
func New(root string, opts ...Option) (*Vault, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultPath
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	v := &Vault{
		root:   filepath.Clean(abs),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.WithComponent(v.logger, "vault")
	return v, nil
}

// Root returns the absolute vault root.
func (v *Vault) Root() string {
	return v.root
}

// Resolve maps a vault-relative path to an absolute path inside the root.
// Symlinks are followed through the deepest part of the path that exists,
// so a path that is about to be created cannot leave the root through a
// linked parent directory either.
func (v *Vault) Resolve(rel string) (string, error) {
	abs := filepath.Clean(filepath.Join(v.root, filepath.FromSlash(rel)))
	if filepath.IsAbs(rel) {
		abs = filepath.Clean(rel)
	}
	if !v.within(v.root, abs) {
		return "", fmt.Errorf("%s: %w", rel, ErrEscapesVault)
	}
	if !v.linksStayInside(abs) {
		return "", fmt.Errorf("%s: %w", rel, ErrEscapesVault)
	}
	return abs, nil
}

// linksStayInside resolves the deepest existing ancestor of abs, abs
// included, and reports whether it lands under the real root. A dangling
// symlink on the way is treated as escaping.
func (v *Vault) linksStayInside(abs string) bool {
	realRoot, err := filepath.EvalSymlinks(v.root)
	if err != nil {
		// Missing root: operations fail later with ErrVaultUnavailable.
		return true
	}

	existing := abs
	for {
		_, err := os.Lstat(existing)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		if existing == v.root {
			return true
		}
		existing = filepath.Dir(existing)
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return false
	}
	return v.within(realRoot, real)
}

func (v *Vault) within(root, abs string) bool {
	return abs == root || strings.HasPrefix(abs, root+string(filepath.Separator))
}

// relative converts an absolute path under the root back to a vault path.
func (v *Vault) relative(abs string) string {
	rel, err := filepath.Rel(v.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (v *Vault) ensureRoot() error {
	info, err := os.Stat(v.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s does not exist", ErrVaultUnavailable, v.root)
		}
		return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrVaultUnavailable, v.root)
	}
	return nil
}

// ListFiles returns every regular file under dir, sorted.
// A missing directory yields an empty list.
func (v *Vault) ListFiles(ctx context.Context, dir string) ([]string, error) {
	return v.walk(ctx, dir, func(string) bool { return true })
}

// ListMarkdown returns every .md file under dir, sorted.
func (v *Vault) ListMarkdown(ctx context.Context, dir string) ([]string, error) {
	return v.walk(ctx, dir, isMarkdown)
}

func isMarkdown(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".md")
}

func (v *Vault) walk(ctx context.Context, dir string, keep func(name string) bool) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := v.Resolve(dir)
	if err != nil {
		return nil, err
	}

	out := []string{}
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == abs {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type().IsRegular() && keep(d.Name()) {
			out = append(out, v.relative(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// Read returns the content of a file.
func (v *Vault) Read(rel string) (string, error) {
	abs, err := v.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", v.pathError(rel, err)
	}
	return string(data), nil
}

// Write replaces the content of a file after expanding date variables.
// With createDirs, missing parent directories are created.
func (v *Vault) Write(rel, content string, createDirs bool) error {
	if err := v.ensureRoot(); err != nil {
		return err
	}
	abs, err := v.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == v.root {
		return ErrVaultRoot
	}
	if createDirs {
		if err := v.mkParent(abs); err != nil {
			return err
		}
	}
	if err := os.WriteFile(abs, []byte(ExpandDates(content, v.now())), 0o644); err != nil {
		return v.pathError(rel, err)
	}
	v.logger.Debug("Wrote file", logging.Operation("write"), logging.Path(rel))
	return nil
}

// Append adds content to the end of a file, creating it and its parent
// directories when missing.
func (v *Vault) Append(rel, content string) error {
	if err := v.ensureRoot(); err != nil {
		return err
	}
	abs, err := v.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == v.root {
		return ErrVaultRoot
	}
	if err := v.mkParent(abs); err != nil {
		return err
	}

	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return v.pathError(rel, err)
	}
	if _, err := f.WriteString(ExpandDates(content, v.now())); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", rel, err)
	}
	return f.Close()
}

func (v *Vault) mkParent(abs string) error {
	parent := filepath.Dir(abs)
	if parent == v.root {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", v.relative(parent), err)
	}
	return nil
}

// Exists reports whether anything exists at the path.
func (v *Vault) Exists(rel string) (bool, error) {
	abs, err := v.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteFile removes a regular file.
func (v *Vault) DeleteFile(rel string) error {
	abs, err := v.Resolve(rel)
	if err != nil {
		return err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return v.pathError(rel, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", rel, ErrNotAFile)
	}
	if err := os.Remove(abs); err != nil {
		return v.pathError(rel, err)
	}
	v.logger.Debug("Deleted file", logging.Operation("delete"), logging.Path(rel))
	return nil
}

// DeleteDir removes a directory. Without recursive, the directory must be empty.
func (v *Vault) DeleteDir(rel string, recursive bool) error {
	abs, err := v.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == v.root {
		return ErrVaultRoot
	}
	info, err := os.Lstat(abs)
	if err != nil {
		return v.pathError(rel, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", rel, ErrNotADirectory)
	}

	if recursive {
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("delete %s: %w", rel, err)
		}
		return nil
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return v.pathError(rel, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%s: %w", rel, ErrDirectoryNotEmpty)
	}
	if err := os.Remove(abs); err != nil {
		return v.pathError(rel, err)
	}
	return nil
}

// Move renames src to dst. An existing destination is replaced only when
// overwrite is set. The destination's parent directories are created.
func (v *Vault) Move(src, dst string, overwrite bool) error {
	srcAbs, err := v.Resolve(src)
	if err != nil {
		return err
	}
	dstAbs, err := v.Resolve(dst)
	if err != nil {
		return err
	}
	if srcAbs == v.root || dstAbs == v.root {
		return ErrVaultRoot
	}

	if _, err := os.Lstat(srcAbs); err != nil {
		return v.pathError(src, err)
	}

	dstInfo, err := os.Lstat(dstAbs)
	switch {
	case err == nil && !overwrite:
		return fmt.Errorf("%s: %w", dst, ErrExists)
	case err == nil:
		if dstInfo.IsDir() {
			err = os.RemoveAll(dstAbs)
		} else {
			err = os.Remove(dstAbs)
		}
		if err != nil {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return v.pathError(dst, err)
	}

	if err := v.mkParent(dstAbs); err != nil {
		return err
	}
	if err := os.Rename(srcAbs, dstAbs); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	v.logger.Debug("Moved path", logging.Operation("move"), "from", src, "to", dst)
	return nil
}

// SearchResult lists the 1-based line numbers of one file that match a query.
type SearchResult struct {
	Path  string `json:"path"`
	Lines []int  `json:"lines"`
}

// Search returns the markdown files containing query, case-insensitively.
func (v *Vault) Search(ctx context.Context, query string) ([]SearchResult, error) {
	files, err := v.ListMarkdown(ctx, ".")
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)

	results := []SearchResult{}
	for _, rel := range files {
		text, err := v.Read(rel)
		if err != nil {
			v.logger.Debug("Skipping unreadable file", logging.Path(rel), logging.Err(err))
			continue
		}
		var hits []int
		for i, line := range splitLines(text) {
			if strings.Contains(strings.ToLower(line), needle) {
				hits = append(hits, i+1)
			}
		}
		if len(hits) > 0 {
			results = append(results, SearchResult{Path: rel, Lines: hits})
		}
	}
	return results, nil
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// pathError converts filesystem errors into the package sentinels.
func (v *Vault) pathError(rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s: %w", rel, ErrExists)
	default:
		return fmt.Errorf("%s: %w", rel, err)
	}
}
