package doc

import (
	"fmt"
	"sort"
)

// Diff returns the operations that transform a into b. Each operation is an
// object {"path": [...], "value": v} that sets the value at path, or
// {"path": [...], "remove": true} that deletes an object key. Path elements
// are object keys or list indexes. Lists that change length are replaced
// whole. The returned operations never alias b.
func Diff(a, b Value) List {
	ops := List{}
	diff(List{}, a, b, &ops)
	return ops
}

func diff(path List, a, b Value, ops *List) {
	if Equal(a, b) {
		return
	}

	switch at := a.(type) {
	case Map:
		bt, ok := b.(Map)
		if !ok {
			break
		}
		removed := make([]string, 0)
		for k := range at {
			if _, ok := bt[k]; !ok {
				removed = append(removed, k)
			}
		}
		sort.Strings(removed)
		for _, k := range removed {
			*ops = append(*ops, Map{"path": extend(path, k), "remove": true})
		}

		keys := make([]string, 0, len(bt))
		for k := range bt {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			av, ok := at[k]
			if !ok {
				*ops = append(*ops, Map{"path": extend(path, k), "value": Clone(bt[k])})
				continue
			}
			diff(extend(path, k), av, bt[k], ops)
		}
		return
	case List:
		bt, ok := b.(List)
		if !ok || len(at) != len(bt) {
			break
		}
		for i := range at {
			diff(extend(path, float64(i)), at[i], bt[i], ops)
		}
		return
	}

	*ops = append(*ops, Map{"path": path, "value": Clone(b)})
}

func extend(path List, elem Value) List {
	p := make(List, len(path), len(path)+1)
	copy(p, path)
	return append(p, elem)
}

// Apply returns the result of applying patch (as produced by Diff) to a copy
// of base. base itself is not modified.
func Apply(base Value, patch List) (Value, error) {
	root := Clone(base)
	for n, raw := range patch {
		op, ok := raw.(Map)
		if !ok {
			return nil, fmt.Errorf("patch operation %d is not an object", n)
		}
		path, _ := op["path"].(List)
		remove := Bool(op, "remove")

		if len(path) == 0 {
			if remove {
				return nil, fmt.Errorf("patch operation %d removes the root", n)
			}
			root = Clone(op["value"])
			continue
		}

		parent, err := walk(root, path[:len(path)-1])
		if err != nil {
			return nil, fmt.Errorf("patch operation %d: %w", n, err)
		}
		last := path[len(path)-1]

		switch container := parent.(type) {
		case Map:
			key, ok := last.(string)
			if !ok {
				return nil, fmt.Errorf("patch operation %d: object key %v is not a string", n, last)
			}
			if remove {
				delete(container, key)
			} else {
				container[key] = Clone(op["value"])
			}
		case List:
			idx, ok := toFloat(last)
			if !ok || int(idx) < 0 || int(idx) >= len(container) {
				return nil, fmt.Errorf("patch operation %d: bad list index %v", n, last)
			}
			if remove {
				return nil, fmt.Errorf("patch operation %d: cannot remove a list element", n)
			}
			container[int(idx)] = Clone(op["value"])
		default:
			return nil, fmt.Errorf("patch operation %d: %T is not a container", n, parent)
		}
	}
	return root, nil
}

func walk(v Value, path List) (Value, error) {
	for _, elem := range path {
		switch t := v.(type) {
		case Map:
			key, ok := elem.(string)
			if !ok {
				return nil, fmt.Errorf("object key %v is not a string", elem)
			}
			next, ok := t[key]
			if !ok {
				return nil, fmt.Errorf("missing key %q", key)
			}
			v = next
		case List:
			idx, ok := toFloat(elem)
			if !ok || int(idx) < 0 || int(idx) >= len(t) {
				return nil, fmt.Errorf("bad list index %v", elem)
			}
			v = t[int(idx)]
		default:
			return nil, fmt.Errorf("%T is not a container", v)
		}
	}
	return v, nil
}
