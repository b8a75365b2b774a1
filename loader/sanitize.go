package loader

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// SanitizeOptions selects how far Sanitize rewrites keys.
type SanitizeOptions struct {
	// RecurseSequences also rewrites mappings found inside sequences. Off by
	// default: mappings nested in arrays keep their original keys.
	RecurseSequences bool
	// MaxDepth leaves values below this nesting depth untouched. 0 means unlimited.
	MaxDepth int
}

var keyReplacer = strings.NewReplacer("-", "_", ".", "_", "/", "_")

// SanitizeKey lowercases key and replaces '-', '.' and '/' with '_'.
func SanitizeKey(key string) string {
	return keyReplacer.Replace(strings.ToLower(key))
}

// Sanitize returns a copy of value in which every key of every nested mapping
// is a valid column identifier. Non-mapping values, sequences included, are
// returned as they are.
func Sanitize(value any) any {
	return SanitizeWith(value, SanitizeOptions{})
}

func SanitizeWith(value any, opts SanitizeOptions) any {
	return sanitizeValue(value, 0, opts)
}

func sanitizeValue(value any, depth int, opts SanitizeOptions) any {
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return value
	}

	switch v := value.(type) {
	case map[string]any:
		// Keys are visited in sorted order so that colliding keys resolve the
		// same way on every run; the last one wins.
		keys := lo.Keys(v)
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			out[SanitizeKey(k)] = sanitizeValue(v[k], depth+1, opts)
		}
		return out
	case []any:
		if !opts.RecurseSequences {
			return v
		}
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = sanitizeValue(child, depth+1, opts)
		}
		return out
	default:
		return v
	}
}
