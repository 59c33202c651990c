package policy

import (
	"encoding/binary"
	"math"
)

// wireReader walks a little-endian payload. Each read reports whether enough
// bytes remained; it never panics on short input.
type wireReader struct {
	buf []byte
	off int
}

func (r *wireReader) remaining() int { return len(r.buf) - r.off }

func (r *wireReader) u16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *wireReader) u32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

func (r *wireReader) f32() (float32, bool) {
	bits, ok := r.u32()
	return math.Float32frombits(bits), ok
}

func (r *wireReader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, true
}

// f32s copies n floats out of the buffer.
func (r *wireReader) f32s(n int) ([]float32, bool) {
	if n < 0 || r.remaining()/4 < n {
		return nil, false
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(r.buf[r.off:]))
		r.off += 4
	}
	return out, true
}

func appendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func appendF32s(dst []byte, vs []float32) []byte {
	for _, v := range vs {
		dst = appendF32(dst, v)
	}
	return dst
}

func appendU16(dst []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}
