package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	branchRegex   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateSessionID checks the UUID shape of a session ID before it is used
// to build filesystem paths.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if !uuidRegex.MatchString(id) {
		return fmt.Errorf("invalid session ID format: %s", id)
	}
	return nil
}

// ValidateBranchID checks that a branch name is a safe single path component.
func ValidateBranchID(id string) error {
	if id == "" {
		return fmt.Errorf("branch ID cannot be empty")
	}
	if !branchRegex.MatchString(id) {
		return fmt.Errorf("invalid branch ID format: %s", id)
	}
	return nil
}

// SanitizeRelPath rejects traversal attempts and unsafe components in a
// workspace-relative path. Returns the cleaned path on success.
func SanitizeRelPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}
	return filepath.Clean(path), nil
}

// CanonicalPath resolves a workspace-relative path to its canonical
// absolute form: symlinks on the deepest existing ancestor are resolved and
// the not-yet-existing remainder is appended. The result must stay under
// root.
func CanonicalPath(root, rel string) (string, error) {
	clean, err := SanitizeRelPath(rel)
	if err != nil {
		return "", err
	}
	absolute := filepath.Join(root, clean)

	canonicalRoot, rootErr := filepath.EvalSymlinks(root)
	if rootErr != nil {
		canonicalRoot = root
	}

	probe := absolute
	var remainder []string
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			canonical := filepath.Join(append([]string{resolved}, remainder...)...)
			if canonical != canonicalRoot && !strings.HasPrefix(canonical, canonicalRoot+string(filepath.Separator)) {
				return "", fmt.Errorf("path escapes workspace root: %s", rel)
			}
			return canonical, nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return absolute, nil
		}
		remainder = append([]string{filepath.Base(probe)}, remainder...)
		probe = parent
	}
}

// ContainedPath verifies a workspace-relative path stays under root after
// symlink resolution and returns the absolute (unresolved) path for file
// operations.
func ContainedPath(root, rel string) (string, error) {
	if _, err := CanonicalPath(root, rel); err != nil {
		return "", err
	}
	clean, err := SanitizeRelPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, clean), nil
}
