package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	mmerrors "github.com/Aidin1998/mmcore/pkg/errors"
)

func TestRegisterBuiltins(t *testing.T) {
	reg := runtime.NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	var names []string
	for _, info := range reg.Available() {
		names = append(names, info.Name)
		assert.NotEmpty(t, info.Description, info.Name)
		assert.Contains(t, info.Defaults, "symbol", info.Name)
	}
	assert.Equal(t, []string{"arbitrage", "dyna_vola", "spread_mm"}, names)

	assert.ErrorIs(t, RegisterBuiltins(reg), mmerrors.Conflict)
}
