// Package kernelc compiles kernel programs for the CPU device.
//
// Kernel source uses Go syntax. The package clause is optional. Every function
// without results is an entry point; a function with a single scalar result
// is a helper that kernels may call. Helpers are inlined at each call site and
// may not recurse.
//
//	func mod_round(input []float32, rint_out, round_out []float32) {
//		i := get_global_id(0)
//		rint_out[i] = rint(input[i])
//		round_out[i] = round(input[i])
//	}
//
// Entry parameters are buffers ([]float32, []float64, []int32, []uint32,
// []int64) or scalars (int, int32, int64, uint32, float32, float64). Mixed
// integer and floating point operands are promoted to floating point.
// Integer arithmetic runs on 64 bits and wraps to the 32-bit operand type;
// float32 results are rounded after every operation.
//
// Work-item builtins follow OpenCL naming: get_global_id, get_global_size,
// get_local_id, get_local_size, get_group_id, get_num_groups and get_work_dim.
// Only dimension 0 is populated; other dimensions report id 0 and size 1.
// Math builtins include rint (ties to even), round (ties away from zero),
// ceil, floor, trunc and the usual transcendental functions.
//
// Compiled entries are trees of closures over a per-invocation frame, so one
// Entry may run on many goroutines at once.
package kernelc
