// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU device.
//
// # Overview
//
// Programs are written in a Go-syntax kernel dialect: every function without
// results is an entry point. Slice parameters are buffers; the compiler
// infers from the body whether an entry reads or writes each of them.
// Inside a kernel, get_global_id, get_local_id, get_group_id,
// get_global_size, get_local_size and get_num_groups address the work item.
//
// Work groups are spread over a goroutine pool; the items of one group run in
// order on one goroutine.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/ndrange/backend/cpu"
//	    "github.com/born-ml/ndrange/compute"
//	)
//
//	func main() {
//	    ctx := compute.NewContext(cpu.New())
//	    defer ctx.Close()
//	}
package cpu
