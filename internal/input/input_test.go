package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "pointer_move", PointerMove.String())
	assert.Equal(t, "key_up", KeyUp.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestPlatformTypesSatisfyInterfaces(t *testing.T) {
	var _ Interceptor = NewTrap()
	var _ Injector = NewInjector()
}
