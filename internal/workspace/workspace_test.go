package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		totalItems int
		groupSize  int
		wantErr    bool
	}{
		{"single item", 1, 1, false},
		{"even split", 8, 4, false},
		{"one group", 16, 16, false},
		{"zero group size", 8, 0, true},
		{"negative group size", 8, -1, true},
		{"zero items", 0, 1, true},
		{"group larger than domain", 4, 8, true},
		{"not a multiple", 10, 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := New(tt.totalItems, tt.groupSize)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDomain)
				assert.True(t, ws.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.totalItems, ws.TotalItems())
			assert.Equal(t, tt.groupSize, ws.GroupSize())
			assert.Equal(t, tt.totalItems/tt.groupSize, ws.NumGroups())
		})
	}
}

func TestDerive_GroupedIndexing(t *testing.T) {
	ws, err := New(8, 4)
	require.NoError(t, err)

	item, err := ws.Derive(5)
	require.NoError(t, err)
	assert.Equal(t, Item{
		GlobalID:   5,
		GlobalSize: 8,
		LocalID:    1,
		LocalSize:  4,
		GroupID:    1,
		NumGroups:  2,
	}, item)
}

func TestDerive_OutOfRange(t *testing.T) {
	ws, err := New(8, 4)
	require.NoError(t, err)

	for _, g := range []int{-1, 8, 100} {
		_, err := ws.Derive(g)
		assert.ErrorIs(t, err, ErrIndexOutOfRange, "global id %d", g)
	}
}

func TestDerive_Bijection(t *testing.T) {
	for total := 1; total <= 48; total++ {
		for size := 1; size <= total; size++ {
			if total%size != 0 {
				continue
			}
			ws, err := New(total, size)
			require.NoError(t, err)

			seen := make(map[int]bool, total)
			for g := 0; g < total; g++ {
				item, err := ws.Derive(g)
				require.NoError(t, err)
				require.False(t, seen[item.GlobalID], "duplicate global id %d", item.GlobalID)
				seen[item.GlobalID] = true

				assert.Equal(t, g/size, item.GroupID)
				assert.Equal(t, g%size, item.LocalID)
				assert.Equal(t, total, item.GlobalSize)
				assert.Equal(t, size, item.LocalSize)
			}
			assert.Len(t, seen, total)
		}
	}
}

func TestGroup(t *testing.T) {
	ws, err := New(12, 3)
	require.NoError(t, err)

	var ids []int
	for g := 0; g < ws.NumGroups(); g++ {
		ws.Group(g, func(item Item) {
			assert.Equal(t, g, item.GroupID)
			ids = append(ids, item.GlobalID)
		})
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, ids)
}

func TestFit(t *testing.T) {
	tests := []struct {
		total, max, want int
	}{
		{16, 16, 16},
		{16, 256, 16},
		{64, 10, 8},
		{7, 4, 1},
		{12, 5, 4},
	}
	for _, tt := range tests {
		ws, err := Fit(tt.total, tt.max)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ws.GroupSize(), "Fit(%d, %d)", tt.total, tt.max)
	}

	_, err := Fit(8, 0)
	assert.ErrorIs(t, err, ErrInvalidDomain)
}
