package acct

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddUserAddSysSnapshot(t *testing.T) {
	var a Accnt
	a.AddUser(100)
	a.AddSys(7)
	a.AddUser(1)

	u, s := a.Snapshot()
	require.Equal(t, int64(101), u)
	require.Equal(t, int64(7), s)
}

func TestMergeFoldsChildIntoParent(t *testing.T) {
	var parent, child Accnt
	parent.AddUser(10)
	parent.AddSys(2)
	child.AddUser(5)
	child.AddSys(3)

	parent.Merge(&child)

	u, s := parent.Snapshot()
	require.Equal(t, int64(15), u)
	require.Equal(t, int64(5), s)

	cu, cs := child.Snapshot()
	require.Equal(t, int64(5), cu, "merging must not reset the source counters")
	require.Equal(t, int64(3), cs)
}
