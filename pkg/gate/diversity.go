package gate

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// DiversityMode selects the evidence policy.
type DiversityMode string

const (
	// ModeDiverse requires references from several source roots.
	ModeDiverse DiversityMode = "diverse"
	// ModeSingleSource accepts one root but asks for more references.
	ModeSingleSource DiversityMode = "single_source"
)

// DiversityPolicy is the minimum evidence a proposal needs.
type DiversityPolicy struct {
	MinRefs  int
	MinRoots int
}

// PolicyFor returns the thresholds of mode.
func PolicyFor(mode DiversityMode) DiversityPolicy {
	if mode == ModeSingleSource {
		return DiversityPolicy{MinRefs: 4, MinRoots: 1}
	}
	return DiversityPolicy{MinRefs: 3, MinRoots: 2}
}

// SourceRoot is the top-level source of a reference: the host of a URL, else
// the first segment of its path. Line anchors are ignored.
func SourceRoot(ref string) string {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, "#"); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return ""
	}
	if strings.Contains(ref, "://") {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			return strings.ToLower(u.Host)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(ref, "\\", "/")), "/")
	if i := strings.Index(cleaned, "/"); i >= 0 {
		return cleaned[:i]
	}
	return cleaned
}

// SourceRoots returns the distinct, sorted roots of refs.
func SourceRoots(refs []string) []string {
	seen := map[string]bool{}
	roots := []string{}
	for _, ref := range refs {
		root := SourceRoot(ref)
		if root == "" || seen[root] {
			continue
		}
		seen[root] = true
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Evaluate reports whether refs meet the reference-count and diversity
// thresholds.
func (p DiversityPolicy) Evaluate(refs []string) (refCountOK, diversityOK bool, roots []string) {
	roots = SourceRoots(refs)
	return len(refs) >= p.MinRefs, len(roots) >= p.MinRoots, roots
}
