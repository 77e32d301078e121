// Package pathguard certifies filesystem paths before the kernel lets an
// operation touch them. Resolution works on filesystem identity, not string
// comparison: a symlink whose target string looks harmless is resolved to
// the object it actually names, and protected directories are matched by
// device/inode as well as by canonical prefix. Validation is pure and must
// be repeated at the moment of use; results are never cached across kernel
// phases.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"
)

// Rejection reason codes carried in Result.Reason. Stable strings; contract
// conditions and audit records reference them.
const (
	ReasonEmptyPath       = "empty_path"
	ReasonControlChar     = "control_character_in_path"
	ReasonTraversal       = "traversal_sequence"
	ReasonNotAbsolute     = "relative_paths_denied"
	ReasonUnresolvable    = "unresolvable_path"
	ReasonProtectedPath   = "path_not_allowed"
	ReasonProtectedName   = "protected_file_name"
	ReasonOutsideRoots    = "outside_allowed_roots"
	ReasonNonexistentDeny = "nonexistent_target_denied"
)

// Policy configures one validation pass. The zero value denies everything;
// use DefaultPolicy as the baseline and narrow or widen per operation tier.
type Policy struct {
	// AllowedRoots, when non-empty, restricts valid paths to descendants of
	// these directories (matched by resolved identity).
	AllowedRoots []string `json:"allowed_roots,omitempty" yaml:"allowed_roots"`
	// ProtectedPrefixes are directories no operation may ever reach.
	ProtectedPrefixes []string `json:"protected_prefixes,omitempty" yaml:"protected_prefixes"`
	// ProtectedNames are base names that are always denied (secrets files).
	ProtectedNames []string `json:"protected_names,omitempty" yaml:"protected_names"`
	// AllowNonexistent permits paths whose leaf does not exist yet, for
	// create-type operations. The deepest existing ancestor still resolves
	// and is checked.
	AllowNonexistent bool `json:"allow_nonexistent" yaml:"allow_nonexistent"`
	// RequireAbsolute rejects relative submissions outright instead of
	// resolving them against the working directory.
	RequireAbsolute bool `json:"require_absolute" yaml:"require_absolute"`
}

// DefaultPolicy returns the conservative baseline: system mounts and
// credential material protected, nonexistent leaves denied, absolute paths
// required.
func DefaultPolicy() Policy {
	protected := []string{"/etc", "/sys", "/proc", "/root", "/boot", "/dev"}
	if home, err := os.UserHomeDir(); err == nil {
		protected = append(protected, filepath.Join(home, ".ssh"))
	}
	return Policy{
		ProtectedPrefixes: protected,
		ProtectedNames:    []string{".env", "id_rsa", "id_ed25519"},
		AllowNonexistent:  false,
		RequireAbsolute:   true,
	}
}

// WriterPolicy is DefaultPolicy constrained to the given writable roots,
// with nonexistent leaves allowed so create-type operations can pass.
func WriterPolicy(roots ...string) Policy {
	p := DefaultPolicy()
	p.AllowedRoots = append(p.AllowedRoots, roots...)
	p.AllowNonexistent = true
	return p
}

// Result is the outcome of one validation pass. ResolvedPath is the
// canonical path (symlinks resolved, lexically cleaned) and is only
// meaningful when Valid is true.
type Result struct {
	Valid        bool   `json:"valid"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func invalid(reason string) Result { return Result{Valid: false, Reason: reason} }

// Validate resolves path to its canonical form and checks it against the
// policy. Two different strings naming the same filesystem object produce
// the same ResolvedPath. Call again immediately before acting on the path;
// an earlier pass proves nothing about the filesystem now.
func Validate(path string, policy Policy) Result {
	if strings.TrimSpace(path) == "" {
		return invalid(ReasonEmptyPath)
	}
	for _, r := range path {
		if r == 0 || (r < 0x20 && r != '\t') || r == 0x7f {
			return invalid(ReasonControlChar)
		}
	}
	// Traversal sequences are rejected before any cleaning: a submission
	// that needs ".." to name its target is not trusted to name it at all.
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return invalid(ReasonTraversal)
		}
	}
	if policy.RequireAbsolute && !filepath.IsAbs(path) {
		return invalid(ReasonNotAbsolute)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return invalid(ReasonUnresolvable)
	}

	resolved, exists, err := resolveCanonical(abs)
	if err != nil {
		return invalid(ReasonUnresolvable)
	}
	if !exists && !policy.AllowNonexistent {
		return invalid(ReasonNonexistentDeny)
	}

	for _, name := range policy.ProtectedNames {
		if filepath.Base(resolved) == name {
			return invalid(ReasonProtectedName)
		}
	}
	for _, prefix := range policy.ProtectedPrefixes {
		under, err := isUnder(resolved, prefix)
		if err != nil {
			// A protected root we cannot inspect is treated as matching.
			return invalid(ReasonProtectedPath)
		}
		if under {
			return invalid(ReasonProtectedPath)
		}
	}
	if len(policy.AllowedRoots) > 0 {
		inside := false
		for _, root := range policy.AllowedRoots {
			under, err := isUnder(resolved, root)
			if err == nil && under {
				inside = true
				break
			}
		}
		if !inside {
			return invalid(ReasonOutsideRoots)
		}
	}

	return Result{Valid: true, ResolvedPath: resolved}
}

// resolveCanonical resolves every symlink in abs. When the leaf (or a tail
// of components) does not exist, the deepest existing ancestor is resolved
// and the nonexistent remainder is re-joined lexically; exists reports
// whether the full path was present.
func resolveCanonical(abs string) (resolved string, exists bool, err error) {
	if r, err := filepath.EvalSymlinks(abs); err == nil {
		return r, true, nil
	} else if !os.IsNotExist(err) {
		return "", false, err
	}

	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			// Walked to the root without finding an existing ancestor.
			return "", false, os.ErrNotExist
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent
		r, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				r = filepath.Join(r, tail[i])
			}
			return r, false, nil
		}
		if !os.IsNotExist(err) {
			return "", false, err
		}
	}
}

// isUnder reports whether path is root or a descendant of root. The check
// runs twice: once on canonical prefixes and once by filesystem identity
// (os.SameFile against every ancestor), so a bind mount or link into a
// protected tree is caught even when its canonical string differs.
func isUnder(path, root string) (bool, error) {
	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if os.IsNotExist(err) {
			// Nonexistent roots are compared lexically.
			return path == root || strings.HasPrefix(path, root+string(filepath.Separator)), nil
		}
		return false, err
	}

	if path == rootResolved || strings.HasPrefix(path, rootResolved+string(filepath.Separator)) {
		return true, nil
	}

	rootInfo, err := os.Stat(rootResolved)
	if err != nil {
		return false, err
	}
	for p := path; ; {
		if info, err := os.Stat(p); err == nil && os.SameFile(info, rootInfo) {
			return true, nil
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false, nil
		}
		p = parent
	}
}
