// KEYS walks every live key and keeps those matching a glob pattern; the following module implements the matching.

package scan

import (
	"fmt"
	"iter"

	"v.io/v23/glob"
)

// MatchGlob filters the `keys` stream down to the keys matching the glob `pattern`.
func MatchGlob(pattern string, keys iter.Seq[string]) (iter.Seq[string], error) {
	parsedPattern, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	matcher := parsedPattern.Head()
	return func(yield func(string) bool) {
		for key := range keys {
			if matcher.Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}, nil
}
