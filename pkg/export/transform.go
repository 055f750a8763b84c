package export

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dominikletica/aaviondb/pkg/fault"
	"github.com/dominikletica/aaviondb/pkg/filter"
)

// applyWhitelist projects the payload onto the listed paths: the result
// contains exactly the listed subtrees, missing paths skipped. An empty
// whitelist keeps the payload whole.
func applyWhitelist(payload []byte, paths []string) ([]byte, error) {
	if len(paths) == 0 {
		return payload, nil
	}
	out := []byte(`{}`)
	for _, p := range paths {
		normalized := filter.NormalizePath(p)
		res := gjson.GetBytes(payload, normalized)
		if !res.Exists() {
			continue
		}
		var err error
		out, err = sjson.SetRawBytes(out, normalized, []byte(res.Raw))
		if err != nil {
			return nil, fault.Invalid("whitelist path %q cannot be projected", p).WithCause(err)
		}
	}
	return out, nil
}

// applyBlacklist deletes the listed paths in place. Paths that do not
// exist are ignored.
func applyBlacklist(payload []byte, paths []string) ([]byte, error) {
	var err error
	for _, p := range paths {
		payload, err = sjson.DeleteBytes(payload, filter.NormalizePath(p))
		if err != nil {
			return nil, fault.Invalid("blacklist path %q cannot be deleted", p).WithCause(err)
		}
	}
	return payload, nil
}