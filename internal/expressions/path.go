package expressions

import (
	"fmt"
	"reflect"
	"strconv"
)

// segment is one step of a variable path: a map key or a slice index.
type segment struct {
	key   string
	index int
	isIdx bool
}

func (s segment) String() string {
	if s.isIdx {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// parsePath parses paths of the form name(.field|[index])*.
// Identifiers start with a letter or underscore and continue with letters,
// digits, underscores or hyphens.
func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []segment
	i := 0
	readIdent := func() (string, error) {
		start := i
		for i < len(path) && isIdentChar(path[i], i == start) {
			i++
		}
		if i == start {
			return "", fmt.Errorf("expected identifier at offset %d in %q", start, path)
		}
		return path[start:i], nil
	}

	head, err := readIdent()
	if err != nil {
		return nil, err
	}
	segs = append(segs, segment{key: head})

	for i < len(path) {
		switch path[i] {
		case '.':
			i++
			name, err := readIdent()
			if err != nil {
				return nil, err
			}
			segs = append(segs, segment{key: name})
		case '[':
			i++
			start := i
			for i < len(path) && path[i] >= '0' && path[i] <= '9' {
				i++
			}
			if i == start || i >= len(path) || path[i] != ']' {
				return nil, fmt.Errorf("malformed index at offset %d in %q", start, path)
			}
			n, _ := strconv.Atoi(path[start:i])
			i++
			segs = append(segs, segment{index: n, isIdx: true})
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d in %q", path[i], i, path)
		}
	}
	return segs, nil
}

func isIdentChar(c byte, first bool) bool {
	switch {
	case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '-':
		return true
	}
	return false
}

// ValidName reports whether name can be used as a variable name.
func ValidName(name string) bool {
	segs, err := parsePath(name)
	return err == nil && len(segs) == 1
}

// traverse walks root along segs. Typed maps and slices produced by actions
// are handled through reflection; JSON-shaped values take the fast path.
func traverse(root any, segs []segment) (any, bool) {
	current := root
	for _, seg := range segs {
		if seg.isIdx {
			switch v := current.(type) {
			case []any:
				if seg.index >= len(v) {
					return nil, false
				}
				current = v[seg.index]
				continue
			}
			rv := reflect.ValueOf(current)
			if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) || seg.index >= rv.Len() {
				return nil, false
			}
			current = rv.Index(seg.index).Interface()
			continue
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg.key]
			if !ok {
				return nil, false
			}
			current = val
			continue
		}
		rv := reflect.ValueOf(current)
		if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		val := rv.MapIndex(reflect.ValueOf(seg.key).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false
		}
		current = val.Interface()
	}
	return current, true
}
