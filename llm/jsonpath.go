package llm

import (
	"fmt"
	"strconv"
	"strings"
)

// pathSegment is one step of a parsed response path: a field name followed
// by an optional list of array indices ("choices[0]").
type pathSegment struct {
	field   string
	indices []int
}

// parsePath parses a dotted/indexed path expression of the form
// ident([int])*(.ident([int])*)* such as "choices[0].message.content",
// "content[0].text", or "response".
func parsePath(path string) ([]pathSegment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("path %q has an empty segment", path)
		}
		seg := pathSegment{}
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if seg.field == "" {
					seg.field = part
				} else if part != "" {
					return nil, fmt.Errorf("path %q: unexpected %q after index", path, part)
				}
				break
			}
			closing := strings.IndexByte(part, ']')
			if closing < open {
				return nil, fmt.Errorf("path %q: unbalanced brackets", path)
			}
			if seg.field == "" {
				seg.field = part[:open]
				if seg.field == "" {
					return nil, fmt.Errorf("path %q: index without field", path)
				}
			} else if open != 0 {
				return nil, fmt.Errorf("path %q: malformed segment", path)
			}
			idx, err := strconv.Atoi(part[open+1 : closing])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q: bad index %q", path, part[open+1:closing])
			}
			seg.indices = append(seg.indices, idx)
			part = part[closing+1:]
			if part == "" {
				break
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// resolvePath walks a decoded JSON document (map[string]any / []any trees)
// along the given path. A missing field, out-of-range index, or type
// mismatch returns an error naming the failing step.
func resolvePath(doc any, path string) (any, error) {
	segments, err := parsePath(path)
	if err != nil {
		return nil, err
	}

	cur := doc
	for _, seg := range segments {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not an object", path, seg.field)
		}
		cur, ok = obj[seg.field]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q not found", path, seg.field)
		}
		for _, idx := range seg.indices {
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("path %q: %q[%d] is not an array", path, seg.field, idx)
			}
			if idx >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range (len %d)", path, idx, len(arr))
			}
			cur = arr[idx]
		}
	}
	return cur, nil
}

// resolvePathString resolves the path and returns the result as a string.
// Non-string terminals and resolution failures return an error.
func resolvePathString(doc any, path string) (string, error) {
	v, err := resolvePath(doc, path)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("path %q: value is %T, not a string", path, v)
	}
	return s, nil
}
