package app

import (
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/odyssey-erp/odyssey-wms/internal/testing/guard"
)

func TestGuardEnablesTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
	require.True(t, SkipInTestMode(nil, "app"))
}

func TestRefreshTestMode(t *testing.T) {
	t.Setenv("ODYSSEY_TEST_MODE", "0")
	RefreshTestMode()
	require.False(t, InTestMode())
	require.False(t, SkipInTestMode(nil, "app"))

	t.Setenv("ODYSSEY_TEST_MODE", "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
