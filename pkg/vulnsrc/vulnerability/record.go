package vulnerability

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/samber/oops"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

// String is present unless s is blank.
func String(s string) types.Opt[string] {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.None[string]()
	}
	return types.Some(s)
}

// StringSet drops blanks and duplicates and sorts the rest. An empty result is absent.
func StringSet(values ...string) types.Opt[[]string] {
	values = lo.Uniq(lo.Compact(lo.Map(values, func(v string, _ int) string {
		return strings.TrimSpace(v)
	})))
	if len(values) == 0 {
		return types.None[[]string]()
	}
	slices.Sort(values)
	return types.Some(values)
}

// NewExtra serializes each value of a source-specific bag. Empty values are skipped.
func NewExtra(values map[string]any) (types.Extra, error) {
	extra := types.Extra{}
	for k, v := range values {
		if isEmpty(v) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, oops.With("key", k).Wrapf(err, "json encode error")
		}
		extra[k] = b
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

func isEmpty(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []string:
		return len(v) == 0
	}
	return false
}
