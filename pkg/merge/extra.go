package merge

import (
	"encoding/json"
	"slices"

	"github.com/samber/lo"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

const (
	MaxExtraKeys      = 50
	MaxExtraValueSize = 10 * 1024
	MaxExtraSize      = 5 * 1024 * 1024
)

// mergeExtra adds the incoming bag to the existing one. Crossing the key cap
// clears the accumulated bag and keeps only the incoming keys; crossing the
// total size cap resets the bag.
func mergeExtra(existing, incoming types.Extra) types.Extra {
	in := boundValues(incoming)

	merged := boundValues(existing)
	for k, v := range in {
		merged[k] = v
	}

	if len(merged) > MaxExtraKeys {
		merged = firstKeys(in, MaxExtraKeys)
	}

	encoded, err := types.EncodeExtra(merged)
	if err != nil || len(encoded) > MaxExtraSize {
		return types.Extra{}
	}
	return merged
}

// boundValues copies the bag without oversized or malformed values.
func boundValues(e types.Extra) types.Extra {
	return lo.PickBy(e, func(_ string, v json.RawMessage) bool {
		return len(v) <= MaxExtraValueSize && json.Valid(v)
	})
}

func firstKeys(e types.Extra, n int) types.Extra {
	if len(e) <= n {
		return e
	}
	keys := lo.Keys(e)
	slices.Sort(keys)
	return lo.PickByKeys(e, keys[:n])
}
