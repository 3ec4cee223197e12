package webgpu

// WGSL versions of the bundled example kernels. Each entry writes through a
// storage binding indexed by the global invocation id; the dispatch covers the
// workspace exactly, so no bounds guard is needed.

// ItemsShader records the addressing values of every work item.
const ItemsShader = `
@group(0) @binding(0) var<storage, read_write> global_ids: array<i32>;
@group(0) @binding(1) var<storage, read_write> local_ids: array<i32>;
@group(0) @binding(2) var<storage, read_write> group_ids: array<i32>;

@compute @workgroup_size(4)
fn items(@builtin(global_invocation_id) gid: vec3<u32>,
         @builtin(local_invocation_id) lid: vec3<u32>,
         @builtin(workgroup_id) wid: vec3<u32>) {
    let i = gid.x;
    global_ids[i] = i32(gid.x);
    local_ids[i] = i32(lid.x);
    group_ids[i] = i32(wid.x);
}
`

// RoundShader applies the four rounding modes to every input element.
const RoundShader = `
@group(0) @binding(0) var<storage, read> input: array<f32>;
@group(0) @binding(1) var<storage, read_write> rint_out: array<f32>;
@group(0) @binding(2) var<storage, read_write> round_out: array<f32>;
@group(0) @binding(3) var<storage, read_write> ceil_out: array<f32>;
@group(0) @binding(4) var<storage, read_write> floor_out: array<f32>;

// round() in WGSL rounds ties to even; ties away from zero is built here.
fn round_away(x: f32) -> f32 {
    return sign(x) * floor(abs(x) + 0.5);
}

@compute @workgroup_size(1)
fn mod_round(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    let x = input[i];
    rint_out[i] = round(x);
    round_out[i] = round_away(x);
    ceil_out[i] = ceil(x);
    floor_out[i] = floor(x);
}
`

// RootShader replaces every group of four floats by their square roots.
const RootShader = `
@group(0) @binding(0) var<storage, read_write> data: array<f32>;

@compute @workgroup_size(16)
fn root(@builtin(global_invocation_id) gid: vec3<u32>) {
    let base = gid.x * 4u;
    for (var k = 0u; k < 4u; k = k + 1u) {
        data[base + k] = sqrt(data[base + k]);
    }
}
`

// MultShader scales four floats per item by a uniform factor.
const MultShader = `
@group(0) @binding(0) var<uniform> factor: f32;
@group(0) @binding(1) var<storage, read_write> values: array<f32>;

@compute @workgroup_size(25)
fn mult(@builtin(global_invocation_id) gid: vec3<u32>) {
    let base = gid.x * 4u;
    for (var k = 0u; k < 4u; k = k + 1u) {
        values[base + k] = values[base + k] * factor;
    }
}
`
