// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package compute_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ndrange/backend/cpu"
	"github.com/born-ml/ndrange/compute"
)

const items = `
func items(global, local, group []int32) {
	i := get_global_id(0)
	global[i] = int32(i)
	local[i] = int32(get_local_id(0))
	group[i] = int32(get_group_id(0))
}
`

func TestExecutor_GroupedIndexing(t *testing.T) {
	ctx := compute.NewContext(cpu.New(cpu.WithWorkers(2)))
	defer func() { require.NoError(t, ctx.Close()) }()

	ws, err := compute.NewWorkSpace(8, 4)
	require.NoError(t, err)

	bufs := make([]*compute.Buffer, 3)
	args := make([]compute.Arg, 3)
	for i := range bufs {
		bufs[i], err = compute.NewBuffer(compute.Int32, 8, compute.WriteOnly)
		require.NoError(t, err)
		args[i] = compute.BufferArg(bufs[i])
	}

	x, err := compute.NewExecutor(ctx)
	require.NoError(t, err)
	out, err := x.Run(context.Background(), items, "items", ws, args...)
	require.NoError(t, err)
	require.Len(t, out, 3)

	global, err := compute.Read[int32](bufs[0])
	require.NoError(t, err)
	local, err := compute.Read[int32](bufs[1])
	require.NoError(t, err)
	group, err := compute.Read[int32](bufs[2])
	require.NoError(t, err)

	assert.Equal(t, int32(5), global[5])
	assert.Equal(t, int32(1), local[5])
	assert.Equal(t, int32(1), group[5])
	assert.Equal(t, []int32{0, 1, 2, 3, 0, 1, 2, 3}, local)
}

func TestErrors_Exported(t *testing.T) {
	_, err := compute.NewWorkSpace(10, 3)
	assert.ErrorIs(t, err, compute.ErrInvalidDomain)

	ctx := compute.NewContext(cpu.New())
	defer ctx.Close()
	_, err = ctx.Build(context.Background(), "func k(out []int32) { out[0] = y }")
	var cerr *compute.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Len(t, cerr.Diagnostics, 1)
}

func Example() {
	const source = `
func mod_round(input, rint_out, round_out []float32) {
	i := get_global_id(0)
	rint_out[i] = rint(input[i])
	round_out[i] = round(input[i])
}
`
	ctx := compute.NewContext(cpu.New())
	defer ctx.Close()

	input, _ := compute.From(compute.ReadOnly, []float32{-6.5, -3.5, 3.5, 6.5})
	rint, _ := compute.NewBuffer(compute.Float32, 4, compute.WriteOnly)
	round, _ := compute.NewBuffer(compute.Float32, 4, compute.WriteOnly)
	ws, _ := compute.NewWorkSpace(4, 2)

	x, _ := compute.NewExecutor(ctx)
	out, err := x.Run(context.Background(), source, "mod_round", ws,
		compute.BufferArg(input), compute.BufferArg(rint), compute.BufferArg(round))
	if err != nil {
		fmt.Println(err)
		return
	}
	for _, o := range out {
		fmt.Println(o.Name, o.Values)
	}
	// Output:
	// rint_out [-6 -4 4 6]
	// round_out [-7 -4 4 7]
}
