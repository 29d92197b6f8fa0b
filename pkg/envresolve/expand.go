package envresolve

import (
	"strings"

	"github.com/bootcore/bootcore/pkg/vmspec"
)

// Expand performs the single left-to-right pass spec.md §4.G describes:
// $(NAME) is replaced with NAME's current binding, $$( becomes the
// literal $(, and unknown names are left verbatim. References are looked
// up in the input env, and the pass is non-recursive: its own output is
// never re-scanned. A second pass therefore changes values whose first
// expansion produced a new reference (A=$(B), B=$(C), C=leaf gives
// A=$(C), then A=leaf) or whose $$( escape produced one.
// Modeled on Kubernetes's container-env expansion semantics, per
// original_source/src/vmspec.rs's use of the k8s_expand crate; no pack
// dependency implements this, so it is hand-written here.
func Expand(env vmspec.NameValueSource) vmspec.NameValueSource {
	lookup := func(name string) (string, bool) {
		value, idx := env.Find(name)
		return value, idx >= 0
	}
	expanded := make(vmspec.NameValueSource, len(env))
	for i, binding := range env {
		expanded[i] = vmspec.NameValue{Name: binding.Name, Value: expandOne(binding.Value, lookup)}
	}
	return expanded
}

func expandOne(s string, lookup func(string) (string, bool)) string {
	var out strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '$' && i+2 < len(s) && s[i+2] == '(' {
			out.WriteString("$(")
			i += 3
			continue
		}
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '(' {
			end := strings.IndexByte(s[i+2:], ')')
			if end < 0 {
				out.WriteByte(s[i])
				i++
				continue
			}
			name := s[i+2 : i+2+end]
			if value, ok := lookup(name); ok {
				out.WriteString(value)
			} else {
				out.WriteString(s[i : i+2+end+1])
			}
			i += 2 + end + 1
			continue
		}
		out.WriteByte(s[i])
		i++
	}
	return out.String()
}
