package expression

import (
	"sort"
	"strings"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/variables"
)

// SortKey is one ordering term: a field path, a direction and a null
// placement.
type SortKey struct {
	Field      Field
	Desc       bool
	NullsFirst bool
}

// SortSpec is a parsed sort_by clause such as
// "priority DESC NULLS LAST, name".
type SortSpec struct {
	Keys []SortKey
}

// ParseSort parses a comma separated list of `path [ASC|DESC] [NULLS FIRST|LAST]`.
// Nulls sort last unless NULLS FIRST is given.
func ParseSort(src string) (*SortSpec, error) {
	spec := &SortSpec{}
	for _, term := range strings.Split(src, ",") {
		words := strings.Fields(term)
		if len(words) == 0 {
			continue
		}
		node, err := Parse(words[0])
		if err != nil {
			return nil, errdefs.WrapConfig(err, "invalid sort key %q", words[0])
		}
		field, ok := node.(Field)
		if !ok {
			return nil, errdefs.Config("sort key %q must be a field path", words[0])
		}
		key := SortKey{Field: field}
		rest := words[1:]
		for len(rest) > 0 {
			switch strings.ToUpper(rest[0]) {
			case "ASC":
				key.Desc = false
				rest = rest[1:]
			case "DESC":
				key.Desc = true
				rest = rest[1:]
			case "NULLS":
				if len(rest) < 2 {
					return nil, errdefs.Config("sort term %q: NULLS requires FIRST or LAST", strings.TrimSpace(term))
				}
				switch strings.ToUpper(rest[1]) {
				case "FIRST":
					key.NullsFirst = true
				case "LAST":
					key.NullsFirst = false
				default:
					return nil, errdefs.Config("sort term %q: expected FIRST or LAST after NULLS", strings.TrimSpace(term))
				}
				rest = rest[2:]
			default:
				return nil, errdefs.Config("sort term %q: unexpected %q", strings.TrimSpace(term), rest[0])
			}
		}
		spec.Keys = append(spec.Keys, key)
	}
	if len(spec.Keys) == 0 {
		return nil, errdefs.Config("sort_by must name at least one field")
	}
	return spec, nil
}

// Sort orders items in place. The sort is stable; items missing a key are
// treated as null.
func (s *SortSpec) Sort(items []any) {
	SortFunc(s, items, func(item any) any { return item })
}

// SortFunc orders values in place by the keys of the document that data
// returns for each value.
func SortFunc[T any](s *SortSpec, values []T, data func(T) any) {
	keys := make([][]any, len(values))
	for i, v := range values {
		normalized := variables.FromAny(data(v)).Any()
		keys[i] = make([]any, len(s.Keys))
		for k, key := range s.Keys {
			if v, ok := variables.Navigate(normalized, key.Field.Path); ok {
				keys[i][k] = v
			}
		}
	}
	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return s.less(keys[idx[a]], keys[idx[b]])
	})
	sorted := make([]T, len(values))
	for i, j := range idx {
		sorted[i] = values[j]
	}
	copy(values, sorted)
}

func (s *SortSpec) less(a, b []any) bool {
	for k, key := range s.Keys {
		av, bv := a[k], b[k]
		if av == nil || bv == nil {
			if av == nil && bv == nil {
				continue
			}
			if key.NullsFirst {
				return av == nil
			}
			return bv == nil
		}
		c := compareForSort(av, bv)
		if c == 0 {
			continue
		}
		if key.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}
