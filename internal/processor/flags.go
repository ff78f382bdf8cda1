// Package processor turns a job step into an invocation of the face
// processing command.
package processor

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/szytwo/facefusion/internal/job"
)

// Flags renders a step's arguments and the run's settings as command line
// flags: each key becomes --kebab-case followed by its value(s). True
// booleans become bare flags and false ones are omitted. Keys are emitted
// in sorted order.
func Flags(args job.Arguments, cfg job.RunConfig) []string {
	merged := cfg.Arguments()
	for k, v := range args {
		merged[k] = v
	}

	var flags []string
	for _, key := range slices.Sorted(maps.Keys(merged)) {
		values, ok := render(merged[key])
		if !ok {
			continue
		}
		flags = append(flags, FlagName(key))
		flags = append(flags, values...)
	}
	return flags
}

// FlagName converts an argument key to its flag, e.g. target_path to
// --target-path.
func FlagName(key string) string {
	return "--" + strings.ReplaceAll(key, "_", "-")
}

// render returns the flag values for v, and false when the flag should be
// left out altogether.
func render(v any) ([]string, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case bool:
		return nil, val
	case string:
		return []string{val}, true
	case []string:
		if len(val) == 0 {
			return nil, false
		}
		return slices.Clone(val), true
	case []any:
		if len(val) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, scalar(item))
		}
		return out, true
	default:
		return []string{scalar(val)}, true
	}
}

func scalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
