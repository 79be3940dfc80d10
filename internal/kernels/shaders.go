package kernels

// WGSL compute shaders consumed by the compute package.
// Using string constants instead of embed for simplicity.
// Every shader follows the same binding contract: a at 0, b at 1, result at 2, params at 3.

// tilePlaceholder is replaced by the configured tile edge in templated shaders.
const tilePlaceholder = "{{TILE}}"

// tileAreaPlaceholder is replaced by TILE*TILE in templated shaders.
const tileAreaPlaceholder = "{{TILE_AREA}}"

// elementwiseWorkgroupSize is the number of threads per workgroup for float vector kernels.
const elementwiseWorkgroupSize = 256

// matmulShader performs C = A @ B for square n×n matrices, one invocation per output element.
const matmulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size({{TILE}}, {{TILE}})
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let row = global_id.y;
    let col = global_id.x;
    let n = params.size;

    if (row >= n || col >= n) {
        return;
    }

    var sum: f32 = 0.0;
    for (var k: u32 = 0u; k < n; k = k + 1u) {
        sum = sum + a[row * n + k] * b[k * n + col];
    }
    result[row * n + col] = sum;
}
`

// matmulTiledShader performs C = A @ B staging TILE×TILE blocks of A and B in workgroup memory.
const matmulTiledShader = `
const TILE: u32 = {{TILE}}u;

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

var<workgroup> tile_a: array<f32, {{TILE_AREA}}>;
var<workgroup> tile_b: array<f32, {{TILE_AREA}}>;

@compute @workgroup_size({{TILE}}, {{TILE}})
fn main(
    @builtin(global_invocation_id) global_id: vec3<u32>,
    @builtin(local_invocation_id) local_id: vec3<u32>,
) {
    let n = params.size;
    let row = global_id.y;
    let col = global_id.x;
    let lidx = local_id.y * TILE + local_id.x;

    var sum: f32 = 0.0;
    let tiles = (n + TILE - 1u) / TILE;
    for (var t: u32 = 0u; t < tiles; t = t + 1u) {
        let a_col = t * TILE + local_id.x;
        let b_row = t * TILE + local_id.y;

        if (row < n && a_col < n) {
            tile_a[lidx] = a[row * n + a_col];
        } else {
            tile_a[lidx] = 0.0;
        }
        if (b_row < n && col < n) {
            tile_b[lidx] = b[b_row * n + col];
        } else {
            tile_b[lidx] = 0.0;
        }
        workgroupBarrier();

        for (var k: u32 = 0u; k < TILE; k = k + 1u) {
            sum = sum + tile_a[local_id.y * TILE + k] * tile_b[k * TILE + local_id.x];
        }
        workgroupBarrier();
    }

    if (row < n && col < n) {
        result[row * n + col] = sum;
    }
}
`

// addShaderUint32 performs element-wise addition on u32 vectors, one workgroup per element.
const addShaderUint32 = `
@group(0) @binding(0) var<storage, read> a: array<u32>;
@group(0) @binding(1) var<storage, read> b: array<u32>;
@group(0) @binding(2) var<storage, read_write> result: array<u32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = a[idx] + b[idx];
    }
}
`

// addShader performs element-wise addition: result = a + b.
const addShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = a[idx] + b[idx];
    }
}
`

// scalarMulShader performs scalar multiplication: result = a * scalar.
const scalarMulShader = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(2) var<storage, read_write> result: array<f32>;

struct Params {
    size: u32,
    scalar: f32,
}
@group(0) @binding(3) var<uniform> params: Params;

@compute @workgroup_size(256)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
    let idx = global_id.x;
    if (idx < params.size) {
        result[idx] = a[idx] * params.scalar;
    }
}
`
