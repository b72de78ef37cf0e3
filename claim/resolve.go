package claim

// Resolve walks path from root.
//
// A key selects a map entry and an index selects a sequence element. A
// wildcard projects the rest of the path over every element of a sequence,
// and so does a key applied to a sequence, so ["degrees", "type"] returns
// the type of every degree. Elements the rest of the path does not resolve
// against are skipped; a projection where nothing resolves fails.
func Resolve(root Value, path Path) (Value, bool) {
	if len(path) == 0 {
		return Value{}, false
	}
	return resolve(root, path)
}

func resolve(v Value, path Path) (Value, bool) {
	if len(path) == 0 {
		return v, true
	}
	seg, rest := path[0], path[1:]

	switch v.kind {
	case KindMap:
		if !seg.IsKey() {
			return Value{}, false
		}
		child, ok := v.m[seg.key]
		if !ok {
			return Value{}, false
		}
		return resolve(child, rest)
	case KindSeq:
		switch seg.kind {
		case segmentIndex:
			child, ok := v.Index(seg.index)
			if !ok {
				return Value{}, false
			}
			return resolve(child, rest)
		case segmentWildcard:
			return project(v.seq, rest)
		default:
			return project(v.seq, path)
		}
	}
	return Value{}, false
}

func project(elems []Value, path Path) (Value, bool) {
	var out []Value
	for _, e := range elems {
		if r, ok := resolve(e, path); ok {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return Value{}, false
	}
	return Seq(out...), true
}

// Expand returns the concrete paths, indices only, that Resolve visits for
// path. It is empty when path does not resolve.
func Expand(root Value, path Path) []Path {
	if len(path) == 0 {
		return nil
	}
	return expand(root, path, nil)
}

func expand(v Value, path Path, at Path) []Path {
	if len(path) == 0 {
		return []Path{append(Path{}, at...)}
	}
	seg, rest := path[0], path[1:]

	switch v.kind {
	case KindMap:
		if !seg.IsKey() {
			return nil
		}
		child, ok := v.m[seg.key]
		if !ok {
			return nil
		}
		return expand(child, rest, append(at, seg))
	case KindSeq:
		switch seg.kind {
		case segmentIndex:
			child, ok := v.Index(seg.index)
			if !ok {
				return nil
			}
			return expand(child, rest, append(at, seg))
		case segmentWildcard:
			return expandEach(v.seq, rest, at)
		default:
			return expandEach(v.seq, path, at)
		}
	}
	return nil
}

func expandEach(elems []Value, path Path, at Path) []Path {
	var out []Path
	for i, e := range elems {
		next := append(append(Path{}, at...), Index(i))
		out = append(out, expand(e, path, next)...)
	}
	return out
}
