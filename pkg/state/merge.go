package state

// Merge returns a deep merge of patch onto base. Neither argument is modified.
//
// For each key of patch:
//   - an explicit nil removes the key
//   - two maps are merged recursively
//   - any other value replaces the base value
//
// Keys absent from patch keep their base value. Merging the same patch twice
// yields the same result as merging it once.
func Merge(base, patch Values) Values {
	out := base.Clone()
	if out == nil {
		out = Values{}
	}
	mergeInto(out, patch)
	return out
}

func mergeInto(dst map[string]interface{}, patch map[string]interface{}) {
	for k, pv := range patch {
		if pv == nil {
			delete(dst, k)
			continue
		}
		pm, patchIsMap := asMap(pv)
		dm, dstIsMap := asMap(dst[k])
		if patchIsMap && dstIsMap {
			merged := cloneMap(dm)
			mergeInto(merged, pm)
			dst[k] = merged
			continue
		}
		if patchIsMap {
			fresh := map[string]interface{}{}
			mergeInto(fresh, pm)
			dst[k] = fresh
			continue
		}
		dst[k] = cloneValue(pv)
	}
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case Values:
		return t, true
	default:
		return nil, false
	}
}
