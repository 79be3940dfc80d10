package compute

import (
	"encoding/binary"
	"math"
)

// uniformSize is the padded size of the params uniform. Uniform buffers require
// 16-byte alignment for struct fields.
const uniformSize = 16

// StagedBuffers is the set of device buffers owned by one in-flight job.
// InputB is nil for single-input kernels.
type StagedBuffers struct {
	InputA  Buffer
	InputB  Buffer
	Output  Buffer
	Uniform Buffer
	Staging Buffer
}

// all returns the non-nil buffers in creation order.
func (s *StagedBuffers) all() []Buffer {
	var out []Buffer
	for _, b := range []Buffer{s.InputA, s.InputB, s.Output, s.Uniform, s.Staging} {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// TotalBytes returns the device memory held by the set.
func (s *StagedBuffers) TotalBytes() uint64 {
	var n uint64
	for _, b := range s.all() {
		n += b.Size()
	}
	return n
}

// release hands every buffer back to the session and clears the set.
func (s *StagedBuffers) release(session Session) {
	for _, b := range s.all() {
		session.ReleaseBuffer(b)
	}
	*s = StagedBuffers{}
}

// encodeParams lays out the params uniform: problem size as u32 at offset 0,
// scalar as f32 at offset 4, zero padding to 16 bytes.
func encodeParams(problemSize uint32, scalar float32) []byte {
	params := make([]byte, uniformSize)
	binary.LittleEndian.PutUint32(params[0:4], problemSize)
	binary.LittleEndian.PutUint32(params[4:8], math.Float32bits(scalar))
	return params
}

// DecodeParams is the inverse of the params layout, for backends that execute
// kernels on the host.
func DecodeParams(params []byte) (problemSize uint32, scalar float32) {
	if len(params) < 8 {
		return 0, 0
	}
	return binary.LittleEndian.Uint32(params[0:4]), math.Float32frombits(binary.LittleEndian.Uint32(params[4:8]))
}
