package cache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"raidboard/api/internal/raid"
)

func TestMoveWithinGroup(t *testing.T) {
	c := New()
	c.Load(seed())

	require.True(t, c.Move(raid.TypeRisk, 2, 0))
	require.Equal(t, []string{"r1", "r2", "r3"}, ids(c.Group(raid.TypeRisk)))
	require.True(t, c.Reordered(raid.TypeRisk))

	// manual order survives edits that advance the version token
	c.Put(raid.Record{ID: "r3", Type: raid.TypeRisk, OwnerLabel: "Cy", UpdatedAt: version(30)})
	require.Equal(t, []string{"r1", "r2", "r3"}, ids(c.Group(raid.TypeRisk)))

	require.False(t, c.Move(raid.TypeRisk, 0, 7))

	c.ResetOrder(raid.TypeRisk)
	require.Equal(t, []string{"r3", "r2", "r1"}, ids(c.Group(raid.TypeRisk)))
}

func TestMoveByIDAcrossGroupsIsNoop(t *testing.T) {
	c := New()
	c.Load(seed())

	require.False(t, c.MoveByID("r1", "i1"))
	require.Equal(t, []string{"r2", "r3", "r1"}, ids(c.Group(raid.TypeRisk)))
	require.False(t, c.Reordered(raid.TypeRisk))

	require.True(t, c.MoveByID("r1", "r2"))
	require.Equal(t, []string{"r1", "r2", "r3"}, ids(c.Group(raid.TypeRisk)))
}

func TestLoadClearsManualOrder(t *testing.T) {
	c := New()
	c.Load(seed())
	c.Move(raid.TypeRisk, 0, 2)
	c.Load(seed())
	require.False(t, c.Reordered(raid.TypeRisk))
	require.Equal(t, []string{"r2", "r3", "r1"}, ids(c.Group(raid.TypeRisk)))
}
