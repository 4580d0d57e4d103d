package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/flexigpt/hostrelay-go/spec"
)

// manifestFileNames are tried in order inside each module directory; the first hit wins.
var manifestFileNames = []string{
	"manifest.yaml",
	"manifest.yml",
	"manifest.json",
	"manifest.jsonc",
	"manifest.toml",
}

type rootError struct {
	input string
	err   error
}

func (e rootError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("invalid manifest root %q", e.input)
	}
	return fmt.Sprintf("invalid manifest root %q: %v", e.input, e.err)
}

func (e rootError) Unwrap() error { return e.err }

// Discover walks each root one level deep and returns the manifest file of
// every module directory, sorted by path. A root may also point directly at
// a single module directory.
//
// Unreadable roots are reported in the joined error; the paths found in the
// other roots are still returned.
func Discover(ctx context.Context, roots []string) ([]string, error) {
	var (
		out  []string
		errs []error
		seen = map[string]struct{}{}
	)
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, r := range roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		root, err := canonicalRoot(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if p, ok := manifestIn(root); ok {
			add(p)
			continue
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			errs = append(errs, rootError{input: r, err: err})
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if p, ok := manifestIn(filepath.Join(root, e.Name())); ok {
				add(p)
			}
		}
	}

	sort.Strings(out)
	return out, errors.Join(errs...)
}

func manifestIn(dir string) (string, bool) {
	for _, name := range manifestFileNames {
		p := filepath.Join(dir, name)
		if st, err := os.Lstat(p); err == nil && !st.IsDir() {
			return p, true
		}
	}
	return "", false
}

func canonicalRoot(p string) (string, error) {
	orig := p
	root := strings.TrimSpace(p)
	if root == "" {
		return "", fmt.Errorf("%w: empty path", spec.ErrInvalidArgument)
	}
	if strings.ContainsRune(root, '\x00') {
		return "", fmt.Errorf("%w: path contains NUL byte", spec.ErrInvalidArgument)
	}

	clean := filepath.Clean(filepath.FromSlash(root))
	if isWindows() {
		// Reject drive-relative paths like "C:foo" (ambiguous).
		if vol := filepath.VolumeName(clean); vol != "" && !filepath.IsAbs(clean) {
			return "", fmt.Errorf(
				"%w: windows drive-relative paths like %q are not supported",
				spec.ErrInvalidArgument,
				root,
			)
		}
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %w", spec.ErrInvalidArgument, rootError{input: orig, err: err})
	}
	if resolved, rerr := filepath.EvalSymlinks(abs); rerr == nil && strings.TrimSpace(resolved) != "" {
		abs = resolved
	}

	st, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", spec.ErrInvalidArgument, rootError{input: orig, err: err})
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %q", spec.ErrInvalidArgument, orig)
	}
	return abs, nil
}

func isWindows() bool { return runtime.GOOS == "windows" }
