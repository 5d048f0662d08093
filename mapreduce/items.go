package mapreduce

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/expression"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/state"
)

// MaxItemIDLength bounds work item IDs so they fit in branch and file names.
const MaxItemIDLength = 255

// LoadItems reads the input file and returns the work items the map phase
// will process: selected by json_path, validated, filtered, sorted and then
// windowed by offset and max_items.
func LoadItems(path string, cfg state.MapConfig) ([]state.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Validation("mapreduce.map.input", "failed to read work items: %v", err)
	}
	return ParseItems(data, cfg)
}

// ParseItems is LoadItems for an in-memory document.
func ParseItems(data []byte, cfg state.MapConfig) ([]state.WorkItem, error) {
	var doc any
	if err := xjson.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.Validation("mapreduce.map.input", "work items are not valid JSON: %v", err)
	}
	selected, err := SelectPath(doc, cfg.JSONPath)
	if err != nil {
		return nil, err
	}
	items := make([]state.WorkItem, len(selected))
	for i, v := range selected {
		items[i] = state.WorkItem{ID: itemID(v, i), Data: v}
	}
	if err := ValidateItems(items); err != nil {
		return nil, err
	}
	if items, err = FilterAndSort(items, cfg.Filter, cfg.SortBy); err != nil {
		return nil, err
	}
	return window(items, cfg.Offset, cfg.MaxItems), nil
}

// itemID uses the item's own "id" field when it has one and falls back to
// its position in the selected list.
func itemID(v any, index int) string {
	if obj, ok := v.(map[string]any); ok {
		switch id := obj["id"].(type) {
		case string:
			return id
		case float64:
			return strconv.FormatFloat(id, 'f', -1, 64)
		}
	}
	return fmt.Sprintf("item_%d", index)
}

// ValidateItems checks every item and reports all problems together.
func ValidateItems(items []state.WorkItem) error {
	var problems []errdefs.FieldError
	seen := make(map[string]int, len(items))
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		switch {
		case it.ID == "":
			problems = append(problems, errdefs.FieldError{Field: field + ".id", Message: "id must not be empty"})
		case len(it.ID) > MaxItemIDLength:
			problems = append(problems, errdefs.FieldError{Field: field + ".id", Message: fmt.Sprintf("id is longer than %d characters", MaxItemIDLength)})
		case strings.IndexFunc(it.ID, unicode.IsControl) >= 0:
			problems = append(problems, errdefs.FieldError{Field: field + ".id", Message: fmt.Sprintf("id %q contains control characters", it.ID)})
		}
		if it.Data == nil {
			problems = append(problems, errdefs.FieldError{Field: field, Message: "item data is null"})
		}
		if it.ID == "" {
			continue
		}
		if first, dup := seen[it.ID]; dup {
			problems = append(problems, errdefs.FieldError{Field: field + ".id", Message: fmt.Sprintf("duplicate id %q (first seen at items[%d])", it.ID, first)})
			continue
		}
		seen[it.ID] = i
	}
	if len(problems) > 0 {
		return errdefs.ValidationList("validate work items", problems)
	}
	return nil
}

// FilterAndSort keeps the items matching filter and orders them by sortBy.
// Either may be empty.
func FilterAndSort(items []state.WorkItem, filter, sortBy string) ([]state.WorkItem, error) {
	if filter != "" {
		expr, err := expression.Compile(filter)
		if err != nil {
			return nil, errdefs.WrapConfig(err, "invalid mapreduce.map.filter")
		}
		kept := items[:0:0]
		for _, it := range items {
			if expr.Matches(it.Data) {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if sortBy != "" {
		spec, err := expression.ParseSort(sortBy)
		if err != nil {
			return nil, err
		}
		expression.SortFunc(spec, items, func(it state.WorkItem) any { return it.Data })
	}
	return items, nil
}

func window(items []state.WorkItem, offset, limit int) []state.WorkItem {
	if offset > 0 {
		if offset >= len(items) {
			return []state.WorkItem{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

type pathSegment struct {
	name     string
	index    int
	isIndex  bool
	wildcard bool
}

// SelectPath evaluates a JSONPath subset against doc: "$", ".name",
// "['name']", "[n]" and the "[*]" or ".*" wildcards. A path without a
// wildcard must select an array, whose elements are returned. An empty path
// treats the document itself as the list.
func SelectPath(doc any, path string) ([]any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	current := []any{doc}
	expanded := false
	for _, seg := range segs {
		var next []any
		for _, node := range current {
			switch {
			case seg.wildcard:
				switch v := node.(type) {
				case []any:
					next = append(next, v...)
				case map[string]any:
					for _, k := range slices.Sorted(maps.Keys(v)) {
						next = append(next, v[k])
					}
				}
			case seg.isIndex:
				if arr, ok := node.([]any); ok {
					i := seg.index
					if i < 0 {
						i += len(arr)
					}
					if i >= 0 && i < len(arr) {
						next = append(next, arr[i])
					}
				}
			default:
				if obj, ok := node.(map[string]any); ok {
					if v, ok := obj[seg.name]; ok {
						next = append(next, v)
					}
				}
			}
		}
		if seg.wildcard {
			expanded = true
		}
		current = next
	}
	if expanded {
		if current == nil {
			current = []any{}
		}
		return current, nil
	}
	if len(current) == 1 {
		if arr, ok := current[0].([]any); ok {
			return arr, nil
		}
	}
	if len(current) == 0 {
		return []any{}, nil
	}
	return nil, errdefs.Validation("mapreduce.map.json_path", "json_path %q does not select a list", path)
}

func parsePath(path string) ([]pathSegment, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	var segs []pathSegment
	bad := func(format string, args ...any) error {
		return errdefs.Validation("mapreduce.map.json_path", "invalid json_path %q: %s", path, fmt.Sprintf(format, args...))
	}
	for p != "" {
		switch p[0] {
		case '.':
			p = p[1:]
			if strings.HasPrefix(p, "*") {
				segs = append(segs, pathSegment{wildcard: true})
				p = p[1:]
				continue
			}
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			if end == 0 {
				return nil, bad("empty field name")
			}
			segs = append(segs, pathSegment{name: p[:end]})
			p = p[end:]
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 {
				return nil, bad("unclosed bracket")
			}
			inner := strings.TrimSpace(p[1:end])
			p = p[end+1:]
			switch {
			case inner == "*":
				segs = append(segs, pathSegment{wildcard: true})
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				segs = append(segs, pathSegment{name: inner[1 : len(inner)-1]})
			default:
				n, err := strconv.Atoi(inner)
				if err != nil {
					return nil, bad("unsupported selector [%s]", inner)
				}
				segs = append(segs, pathSegment{index: n, isIndex: true})
			}
		default:
			if len(segs) > 0 {
				return nil, bad("unexpected %q", p[0])
			}
			// A bare leading name, as in "items[*]".
			p = "." + p
		}
	}
	return segs, nil
}
