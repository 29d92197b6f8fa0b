package envresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bootcore/bootcore/pkg/vmspec"
)

func Test_BindingsFromJSONObject_PreservesInsertionOrder(t *testing.T) {
	bindings, err := bindingsFromJSONObject([]byte(`{"b":"2","a":"1","c":"3"}`))
	assert.NoError(t, err)
	var names []string
	for _, b := range bindings {
		names = append(names, b.Name)
	}
	assert.Equal(t, []string{"b", "a", "c"}, names)
}

func Test_AppendOverriding_LaterNameWins(t *testing.T) {
	env := vmspec.NameValueSource{{Name: "A", Value: "1"}}
	env = appendOverriding(env, vmspec.NameValueSource{{Name: "A", Value: "2"}, {Name: "B", Value: "3"}})
	val, _ := env.Find("A")
	assert.Equal(t, "2", val)
	val, _ = env.Find("B")
	assert.Equal(t, "3", val)
}
