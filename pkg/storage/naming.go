package storage

import (
	"fmt"
	"regexp"
	"strings"

	"fileferry/pkg/shared"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"
)

// nameMatcher builds the case-insensitive file name predicate of spec. An
// explicit regex wins over the glob.
func nameMatcher(spec shared.SourcePathSpec) (func(string) bool, error) {
	if spec.FileRegex != "" {
		re, err := regexp.Compile("(?i)" + spec.FileRegex)
		if err != nil {
			return nil, errors.Errorf("file regex %q: %w", spec.FileRegex, err)
		}
		return re.MatchString, nil
	}

	mask := strings.ToLower(strings.TrimSpace(spec.FileMask))
	// "*.*" traditionally matches names without an extension too.
	if mask == "*.*" {
		mask = "*"
	}
	if !doublestar.ValidatePattern(mask) {
		return nil, errors.Errorf("invalid file mask %q", spec.FileMask)
	}
	return func(name string) bool {
		ok, _ := doublestar.Match(mask, strings.ToLower(name))
		return ok
	}, nil
}

func duplicateName(name string, i int) string {
	return fmt.Sprintf("%s.%d", name, i)
}

// resolveName returns name if it is free, otherwise the first free
// name.0, name.1, ... below limit.
func resolveName(name string, limit int, exists func(string) (bool, error)) (string, error) {
	taken, err := exists(name)
	if err != nil {
		return "", err
	}
	if !taken {
		return name, nil
	}
	for i := 0; i < limit; i++ {
		candidate := duplicateName(name, i)
		taken, err := exists(candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", errors.Errorf("%w: %s (limit %d)", ErrTooManyDuplicates, name, limit)
}
