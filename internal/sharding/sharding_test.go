package sharding

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/elax-db/elax/internal/errs"
)

func TestOwnerOfIsDeterministic(t *testing.T) {
	r, err := New(4, 0, false, false)
	require.NoError(t, err)
	a := r.OwnerOf("tenant-42")
	b := r.OwnerOf("tenant-42")
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 4)
}

func TestRouteWriteRedirectsNonOwner(t *testing.T) {
	owner, err := New(8, 0, false, false)
	require.NoError(t, err)
	target := owner.OwnerOf("tenant-a")

	local, err := New(8, target, false, false)
	require.NoError(t, err)
	decision := local.RouteWrite("tenant-a")
	require.True(t, decision.ServeLocally)

	other, err := New(8, (target+1)%8, false, false)
	require.NoError(t, err)
	decision = other.RouteWrite("tenant-a")
	require.False(t, decision.ServeLocally)
	require.Equal(t, target, decision.OwnerIndex)

	err2 := RequireLocal("tenant-a", decision)
	require.Error(t, err2)
	require.True(t, errs.Is(err2, errs.Misrouted))
}

func TestSingleNodeModeBypassesRedirection(t *testing.T) {
	r, err := New(0, 0, true, false)
	require.NoError(t, err)
	decision := r.RouteWrite("any-namespace")
	require.True(t, decision.ServeLocally)
}

func TestQueryNodeAcceptsAllNamespacesForReads(t *testing.T) {
	r, err := New(4, 1, false, true)
	require.NoError(t, err)
	decision := r.RouteRead("whatever-namespace")
	require.True(t, decision.ServeLocally)
}
