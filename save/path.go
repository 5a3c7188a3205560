package save

import "strings"

// GraftRule maps a source path prefix onto a different archive path
// prefix — the --graft option bup's CLI exposes; argument parsing
// itself is out of scope (spec.md §1).
type GraftRule struct {
	Old []string
	New []string
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func hasPrefix(full, prefix []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, c := range prefix {
		if full[i] != c {
			return false
		}
	}
	return true
}

// longestGraftMatch returns the graft rule whose Old prefix matches
// comps and is longest among all matches, along with comps' remaining
// suffix past that prefix.
func longestGraftMatch(comps []string, grafts []GraftRule) (GraftRule, []string, bool) {
	best := -1
	var bestRule GraftRule
	for _, g := range grafts {
		if len(g.Old) > best && hasPrefix(comps, g.Old) {
			best = len(g.Old)
			bestRule = g
		}
	}
	if best < 0 {
		return GraftRule{}, nil, false
	}
	return bestRule, comps[best:], true
}

// archivePath maps a source filesystem path to its archive path
// components: a matching --graft rule takes precedence (longest Old
// prefix wins), otherwise opts.Strip is dropped from the front if
// present, otherwise the source path is used unchanged (spec.md §4.9
// step 1).
func (d *Driver) archivePath(srcPath string) []string {
	comps := splitPath(srcPath)

	if rule, rest, ok := longestGraftMatch(comps, d.opts.Grafts); ok {
		out := append([]string{}, rule.New...)
		return append(out, rest...)
	}

	if len(d.opts.Strip) > 0 && hasPrefix(comps, d.opts.Strip) {
		return append([]string{}, comps[len(d.opts.Strip):]...)
	}

	return comps
}

// detectRootCollision reports whether two graft rules map distinct
// source roots onto the same archive-root component — spec.md §4.9's
// "root collision" between different source paths sharing an archive
// root. This only needs the static --graft configuration, known before
// the walk begins, not the entries themselves.
func detectRootCollision(grafts []GraftRule) bool {
	seen := map[string]string{}
	for _, g := range grafts {
		var first string
		if len(g.New) > 0 {
			first = g.New[0]
		}
		oldKey := strings.Join(g.Old, "/")
		if prev, ok := seen[first]; ok && prev != oldKey {
			return true
		}
		seen[first] = oldKey
	}
	return false
}
