package hsengine_test

import (
	"testing"
	"time"

	"github.com/PythonRysh/espresso/hs/hsengine"
	"github.com/stretchr/testify/require"
)

func TestLinearTimeoutStrategy_defaults(t *testing.T) {
	t.Parallel()

	var s hsengine.LinearTimeoutStrategy

	// View immediately following the certified one: no failures yet.
	require.Equal(t, time.Second, s.ViewTimeout(5, 4))

	// Each consecutive uncertified view adds the increment.
	require.Equal(t, 1500*time.Millisecond, s.ViewTimeout(6, 4))
	require.Equal(t, 2*time.Second, s.ViewTimeout(7, 4))
}

func TestLinearTimeoutStrategy_configured(t *testing.T) {
	t.Parallel()

	s := hsengine.LinearTimeoutStrategy{
		ViewBase:      100 * time.Millisecond,
		ViewIncrement: 10 * time.Millisecond,
	}

	require.Equal(t, 100*time.Millisecond, s.ViewTimeout(2, 1))
	require.Equal(t, 130*time.Millisecond, s.ViewTimeout(5, 1))
}

func TestLinearTimeoutStrategy_genesisView(t *testing.T) {
	t.Parallel()

	var s hsengine.LinearTimeoutStrategy

	// The first live view has a high-QC view equal to the genesis view,
	// which must not count as a failure.
	require.Equal(t, time.Second, s.ViewTimeout(1, 0))
}
