package envresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bootcore/bootcore/pkg/vmspec"
)

func Test_Expand_SubstitutesKnownNames(t *testing.T) {
	env := vmspec.NameValueSource{
		{Name: "HOST", Value: "example.com"},
		{Name: "URL", Value: "https://$(HOST)/path"},
	}
	out := Expand(env)
	val, _ := out.Find("URL")
	assert.Equal(t, "https://example.com/path", val)
}

func Test_Expand_LeavesUnknownNamesVerbatim(t *testing.T) {
	env := vmspec.NameValueSource{{Name: "A", Value: "$(UNKNOWN)"}}
	out := Expand(env)
	val, _ := out.Find("A")
	assert.Equal(t, "$(UNKNOWN)", val)
}

func Test_Expand_EscapesDoubleDollar(t *testing.T) {
	env := vmspec.NameValueSource{{Name: "A", Value: "$$(literal)"}}
	out := Expand(env)
	val, _ := out.Find("A")
	assert.Equal(t, "$(literal)", val)
}

func Test_Expand_IsIdempotent(t *testing.T) {
	env := vmspec.NameValueSource{
		{Name: "A", Value: "1"},
		{Name: "B", Value: "$(A)-$(A)"},
	}
	once := Expand(env)
	twice := Expand(once)
	assert.Equal(t, once, twice)
}

func Test_Expand_IsNonRecursive(t *testing.T) {
	env := vmspec.NameValueSource{
		{Name: "A", Value: "$(B)"},
		{Name: "B", Value: "literal"},
	}
	out := Expand(env)
	val, _ := out.Find("A")
	assert.Equal(t, "literal", val)

	env2 := vmspec.NameValueSource{
		{Name: "A", Value: "$(B)"},
		{Name: "B", Value: "$(C)"},
		{Name: "C", Value: "leaf"},
	}
	out2 := Expand(env2)
	val2, _ := out2.Find("A")
	assert.Equal(t, "$(C)", val2, "A should resolve one level, not transitively")
}
