// Package modrule parses and matches module rules of the form
// path[@base][%instance][^namespace], used both for selecting which
// modules a hook applies to and for the ignore list.
package modrule

import (
	"strconv"
	"strings"
)

// Identity is the (path, base, instance, namespace) tuple a rule is
// matched against.
type Identity struct {
	Path      string
	Base      uint64
	Instance  uint64
	Namespace uint64
}

// Rule is a parsed path[@base][%instance][^namespace] string.
type Rule struct {
	Path         string
	Base         uint64
	HasBase      bool
	Instance     uint64
	HasInstance  bool
	Namespace    uint64
	HasNamespace bool
}

// Parse splits s right-to-left into its optional ^namespace, %instance,
// @base suffixes and the leading path. A suffix that fails to parse as
// hex is treated as part of the path instead of producing an error —
// the grammar has no reserved characters, so "weird but valid path"
// always wins over "rejected rule".
func Parse(s string) Rule {
	r := Rule{Path: s}

	if rest, v, ok := stripSuffix(r.Path, '^'); ok {
		r.Path, r.Namespace, r.HasNamespace = rest, v, true
	}
	if rest, v, ok := stripSuffix(r.Path, '%'); ok {
		r.Path, r.Instance, r.HasInstance = rest, v, true
	}
	if rest, v, ok := stripSuffix(r.Path, '@'); ok {
		r.Path, r.Base, r.HasBase = rest, v, true
	}
	return r
}

// stripSuffix finds the last occurrence of sep in s and tries to parse
// everything after it as optionally-0x-prefixed hex. On success it
// returns the path with the suffix removed; otherwise ok is false and s
// is returned unchanged.
func stripSuffix(s string, sep byte) (rest string, value uint64, ok bool) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 {
		return s, 0, false
	}
	hexPart := s[i+1:]
	v, perr := parseHex(hexPart)
	if perr != nil {
		return s, 0, false
	}
	return s[:i], v, true
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 16, 64)
}

// Match reports whether id satisfies r: path matches exactly if r.Path
// is absolute, or by suffix otherwise; every qualifier present in r must
// equal the corresponding field in id.
func (r Rule) Match(id Identity) bool {
	if !matchPath(r.Path, id.Path) {
		return false
	}
	if r.HasBase && r.Base != id.Base {
		return false
	}
	if r.HasInstance && r.Instance != id.Instance {
		return false
	}
	if r.HasNamespace && r.Namespace != id.Namespace {
		return false
	}
	return true
}

func matchPath(rulePath, modPath string) bool {
	if rulePath == "" {
		return false
	}
	if strings.HasPrefix(rulePath, "/") {
		return rulePath == modPath
	}
	return strings.HasSuffix(modPath, rulePath)
}

// IsUnconditionallyIgnored reports whether path must never be hookable:
// empty, vDSO-style (starts with '['), or names the engine's own shared
// object.
func IsUnconditionallyIgnored(path, ownBasename string) bool {
	if path == "" {
		return true
	}
	if strings.HasPrefix(path, "[") {
		return true
	}
	if ownBasename != "" && strings.HasSuffix(path, ownBasename) {
		return true
	}
	return false
}

// List is an ordered set of rules, used for both the ignore list and for
// batching (e.g. a callee rule that should match many modules).
type List []Rule

// Add appends the parsed rule.
func (l *List) Add(s string) { *l = append(*l, Parse(s)) }

// MatchAny reports whether any rule in the list matches id.
func (l List) MatchAny(id Identity) bool {
	for _, r := range l {
		if r.Match(id) {
			return true
		}
	}
	return false
}
