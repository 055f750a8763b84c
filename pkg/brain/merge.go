package brain

// DeepMerge merges incoming into base for the partial-update idiom used
// by SaveEntity with merge=true:
//
//   - object values merge recursively;
//   - an incoming empty string deletes the key (the documented way to
//     drop a field in a partial update);
//   - every other incoming value replaces the base value, arrays
//     included (no element-wise merging).
//
// Both inputs must be generic JSON values as produced by canonical.Decode.
// A non-object on either side short-circuits to the incoming value.
func DeepMerge(base, incoming any) any {
	baseMap, baseOK := base.(map[string]any)
	inMap, inOK := incoming.(map[string]any)
	if !baseOK || !inOK {
		return incoming
	}

	out := make(map[string]any, len(baseMap)+len(inMap))
	for k, v := range baseMap {
		out[k] = v
	}
	for k, v := range inMap {
		if s, ok := v.(string); ok && s == "" {
			delete(out, k)
			continue
		}
		if existing, ok := out[k]; ok {
			out[k] = DeepMerge(existing, v)
			continue
		}
		out[k] = v
	}
	return out
}
