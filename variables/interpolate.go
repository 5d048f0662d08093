package variables

import (
	"path"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/forge/internal/xjson"
)

// Resolver supplies values for interpolation. *Store implements it.
type Resolver interface {
	Resolve(path string) (value Value, found bool, nested bool)
}

// MapResolver resolves against a fixed nested map. It is used for ad-hoc
// scopes such as message templates.
type MapResolver map[string]any

func (m MapResolver) Resolve(p string) (Value, bool, bool) {
	segs, err := ParsePath(p)
	if err != nil || len(segs) == 0 {
		return Value{}, false, false
	}
	for n := len(segs); n >= 1; n-- {
		if !allKeys(segs[:n]) {
			continue
		}
		root, ok := m[joinKeys(segs[:n])]
		if !ok {
			continue
		}
		got, ok := Navigate(normalize(root), segs[n:])
		if !ok {
			return Value{}, true, false
		}
		return FromAny(got), true, true
	}
	return Value{}, false, false
}

// Chain resolves against each resolver in order and returns the first hit.
type Chain []Resolver

func (c Chain) Resolve(p string) (Value, bool, bool) {
	var sawRoot bool
	for _, r := range c {
		v, found, nested := r.Resolve(p)
		if found && nested {
			return v, true, true
		}
		sawRoot = sawRoot || found
	}
	return Value{}, sawRoot, false
}

// Placeholder is one ${...} occurrence in a template.
type Placeholder struct {
	Raw      string // including ${ and }
	Path     string
	Modifier string
	Start    int
	End      int
}

// Placeholders lists the ${...} occurrences in template, honoring nested
// braces. A backslash before "$" escapes the placeholder.
func Placeholders(template string) []Placeholder {
	var out []Placeholder
	for i := 0; i < len(template)-1; i++ {
		if template[i] != '$' || template[i+1] != '{' {
			continue
		}
		if i > 0 && template[i-1] == '\\' {
			continue
		}
		depth := 0
		end := -1
		for j := i + 1; j < len(template); j++ {
			if template[j] == '{' {
				depth++
			} else if template[j] == '}' {
				depth--
				if depth == 0 {
					end = j
					break
				}
			}
		}
		if end < 0 {
			break
		}
		inner := template[i+2 : end]
		p, mod := splitModifier(inner)
		out = append(out, Placeholder{
			Raw:      template[i : end+1],
			Path:     p,
			Modifier: mod,
			Start:    i,
			End:      end + 1,
		})
		i = end
	}
	return out
}

// splitModifier splits "path:modifier" on the first colon outside brackets.
func splitModifier(inner string) (string, string) {
	depth := 0
	for i, c := range inner {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ':':
			if depth == 0 {
				return strings.TrimSpace(inner[:i]), strings.TrimSpace(inner[i+1:])
			}
		}
	}
	return strings.TrimSpace(inner), ""
}

// Interpolate expands every ${path[:modifier]} in template. Missing
// top-level variables leave the placeholder untouched; missing nested keys
// expand to the empty string. Interpolate is pure.
func Interpolate(template string, r Resolver) string {
	out, _ := InterpolateWithReport(template, r)
	return out
}

// InterpolateWithReport is Interpolate that also returns the paths whose
// top-level variable could not be found.
func InterpolateWithReport(template string, r Resolver) (string, []string) {
	placeholders := Placeholders(template)
	if len(placeholders) == 0 {
		return unescape(template), nil
	}
	var b strings.Builder
	var missing []string
	last := 0
	for _, ph := range placeholders {
		b.WriteString(unescape(template[last:ph.Start]))
		last = ph.End

		value, found, nested := r.Resolve(ph.Path)
		switch {
		case !found:
			if def, ok := defaultModifier(ph.Modifier); ok {
				b.WriteString(def)
				continue
			}
			missing = append(missing, ph.Path)
			b.WriteString(ph.Raw)
		case !nested:
			if def, ok := defaultModifier(ph.Modifier); ok {
				b.WriteString(def)
				continue
			}
		default:
			b.WriteString(ApplyModifier(value, ph.Modifier))
		}
	}
	b.WriteString(unescape(template[last:]))
	return b.String(), missing
}

func defaultModifier(mod string) (string, bool) {
	if strings.HasPrefix(mod, "-") {
		return mod[1:], true
	}
	return "", false
}

func unescape(s string) string {
	return strings.ReplaceAll(s, `\${`, "${")
}

// ApplyModifier formats a resolved value:
//
//	json        JSON-encode
//	lines       newline-join arrays
//	csv, comma  comma-join arrays
//	<glob>      keep array entries matching a pattern containing * or ?
//	(none)      default rendering, arrays space-joined
func ApplyModifier(v Value, mod string) string {
	switch {
	case mod == "" || strings.HasPrefix(mod, "-"):
		return v.Render()
	case mod == "json":
		data, err := xjson.Marshal(v.Any())
		if err != nil {
			return v.Render()
		}
		return string(data)
	case mod == "lines":
		return strings.Join(v.Strings(), "\n")
	case mod == "csv" || mod == "comma":
		return strings.Join(v.Strings(), ",")
	case IsGlob(mod):
		return strings.Join(FilterGlob(v.Strings(), mod), " ")
	default:
		return v.Render()
	}
}

// IsGlob reports whether a modifier is a glob pattern.
func IsGlob(mod string) bool {
	return strings.ContainsAny(mod, "*?")
}

// FilterGlob returns the entries matching pattern. Patterns without a slash
// are matched against the base name as well as the full path.
func FilterGlob(items []string, pattern string) []string {
	var out []string
	for _, item := range items {
		if ok, _ := path.Match(pattern, item); ok {
			out = append(out, item)
			continue
		}
		if !strings.Contains(pattern, "/") {
			if ok, _ := path.Match(pattern, path.Base(item)); ok {
				out = append(out, item)
			}
		}
	}
	return out
}

// ValidateGlob reports whether pattern is a syntactically valid glob.
func ValidateGlob(pattern string) error {
	_, err := path.Match(pattern, "")
	return err
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
