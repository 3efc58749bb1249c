package status

import (
	"regexp"
	"sort"
	"strings"
)

var lineIDPattern = regexp.MustCompile(`^l[1-6]$`)

// NormalizeLineID lowercases a line id and maps the loose forms seen in feeds
// ("1", "L1", "i1") to the canonical "l1".
func NormalizeLineID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "i") {
		s = "l" + s[1:]
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "l" + s
	}
	return s
}

// ValidLineID reports whether id is a canonical line id.
func ValidLineID(id string) bool { return lineIDPattern.MatchString(id) }

// NormalizeStationID returns the lowercase station code.
func NormalizeStationID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// LineLabel turns "l4" into "L4" for display.
func LineLabel(id string) string {
	id = NormalizeLineID(id)
	if id == "" {
		return ""
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

// NormalizeLineSet normalizes, dedups and sorts a set of line ids.
func NormalizeLineSet(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := NormalizeLineID(id)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
