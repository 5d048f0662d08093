package variables

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/internal/xjson"
)

// SegmentKind distinguishes the three kinds of path segment.
type SegmentKind int

const (
	SegmentKey SegmentKind = iota
	SegmentIndex
	SegmentWildcard
)

// Segment is one step of a path such as items[0].name or items[*].id.
type Segment struct {
	Kind  SegmentKind
	Key   string
	Index int
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentIndex:
		return "[" + strconv.Itoa(s.Index) + "]"
	case SegmentWildcard:
		return "[*]"
	default:
		return s.Key
	}
}

// ParsePath parses dot and bracket notation. A leading "$" or "$." root
// marker, as used by JSON selectors, is accepted and ignored.
func ParsePath(path string) ([]Segment, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	var segs []Segment
	i := 0
	for i < len(p) {
		switch c := p[i]; {
		case c == '.':
			i++
		case c == '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("unterminated bracket in path %q", path)
			}
			inner := strings.TrimSpace(p[i+1 : i+end])
			i += end + 1
			switch {
			case inner == "*":
				segs = append(segs, Segment{Kind: SegmentWildcard})
			case len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0]:
				segs = append(segs, Segment{Kind: SegmentKey, Key: inner[1 : len(inner)-1]})
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, fmt.Errorf("invalid index %q in path %q", inner, path)
				}
				segs = append(segs, Segment{Kind: SegmentIndex, Index: n})
			}
		default:
			j := i
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			key := p[i:j]
			if key == "*" {
				segs = append(segs, Segment{Kind: SegmentWildcard})
			} else {
				segs = append(segs, Segment{Kind: SegmentKey, Key: key})
			}
			i = j
		}
	}
	return segs, nil
}

// Navigate walks root along segs. Objects are indexed by key, arrays by
// position (negative positions count from the end), and a wildcard maps the
// remaining path over every element of an array or object. JSON blobs and
// strings holding JSON documents are decoded on the way.
func Navigate(root any, segs []Segment) (any, bool) {
	cur := root
	for i, seg := range segs {
		cur = decodeForNavigation(cur)
		switch seg.Kind {
		case SegmentKey:
			switch t := cur.(type) {
			case map[string]any:
				next, ok := t[seg.Key]
				if !ok {
					return nil, false
				}
				cur = next
			case []any:
				// Allow numeric keys on arrays: items.0.name
				n, err := strconv.Atoi(seg.Key)
				if err != nil {
					return nil, false
				}
				next, ok := index(t, n)
				if !ok {
					return nil, false
				}
				cur = next
			default:
				return nil, false
			}
		case SegmentIndex:
			arr, ok := cur.([]any)
			if !ok {
				return nil, false
			}
			next, ok := index(arr, seg.Index)
			if !ok {
				return nil, false
			}
			cur = next
		case SegmentWildcard:
			var items []any
			switch t := cur.(type) {
			case []any:
				items = t
			case map[string]any:
				for _, k := range sortedKeys(t) {
					items = append(items, t[k])
				}
			default:
				return nil, false
			}
			rest := segs[i+1:]
			out := make([]any, 0, len(items))
			for _, item := range items {
				if v, ok := Navigate(item, rest); ok {
					out = append(out, v)
				}
			}
			return out, true
		}
	}
	return cur, true
}

// Lookup parses path and navigates root along it.
func Lookup(root any, path string) (any, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	return Navigate(root, segs)
}

func index(arr []any, n int) (any, bool) {
	if n < 0 {
		n += len(arr)
	}
	if n < 0 || n >= len(arr) {
		return nil, false
	}
	return arr[n], true
}

func decodeForNavigation(x any) any {
	switch t := x.(type) {
	case xjson.RawMessage:
		return decoded(t)
	case string:
		s := strings.TrimSpace(t)
		if len(s) > 1 && (s[0] == '{' || s[0] == '[') && xjson.Valid([]byte(s)) {
			var out any
			if err := xjson.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	}
	return x
}
