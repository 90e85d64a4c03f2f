package runs

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Scenario ids and owners become path components.
	safeComponent = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)
	unsafeName    = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

const maxNameLength = 128

// SanitizeName reduces a run name to [A-Za-z0-9_-]; every run of other
// characters becomes a single underscore. Dropping '.' keeps error marker
// extensions from colliding with another run's display name.
func SanitizeName(name string) string {
	s := unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.Trim(s, "_")
}

// DisplayName is the human label of a run: <owner>_<sanitized name>.
func DisplayName(owner, name string) string {
	return owner + "_" + SanitizeName(name)
}

func validateOwner(owner string) error {
	if owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if !safeComponent.MatchString(owner) || strings.Contains(owner, "..") {
		return fmt.Errorf("%w: owner %q is not a valid identifier", ErrInvalidRequest, owner)
	}
	return nil
}

func validateSubmit(req SubmitRequest) error {
	if SanitizeName(req.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if len(req.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRequest, maxNameLength)
	}
	if len(req.Scenarios) == 0 {
		return fmt.Errorf("%w: at least one scenario is required", ErrInvalidRequest)
	}

	seen := make(map[string]bool, len(req.Scenarios))
	for _, sc := range req.Scenarios {
		if !safeComponent.MatchString(sc) || strings.Contains(sc, "..") {
			return fmt.Errorf("%w: scenario %q is not a valid identifier", ErrInvalidRequest, sc)
		}
		if seen[sc] {
			return fmt.Errorf("%w: scenario %q listed twice", ErrInvalidRequest, sc)
		}
		seen[sc] = true
	}

	for k := range req.Switches {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("%w: switch names must not be empty", ErrInvalidRequest)
		}
	}
	return nil
}
