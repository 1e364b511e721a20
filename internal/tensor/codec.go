package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"github.com/x448/float16"
)

// AsFloat32s reinterprets b as float32 values in host byte order.
func AsFloat32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AsUint32s reinterprets b as uint32 values in host byte order.
func AsUint32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}

func BF16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// Float32ToBF16 rounds to nearest even.
func Float32ToBF16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

func F16ToFloat32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

func Float32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func decoder(dt DataType) (func([]byte) float32, error) {
	switch dt {
	case F32:
		return func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }, nil
	case F16:
		return func(b []byte) float32 { return F16ToFloat32(binary.LittleEndian.Uint16(b)) }, nil
	case BF16:
		return func(b []byte) float32 { return BF16ToFloat32(binary.LittleEndian.Uint16(b)) }, nil
	default:
		return nil, fmt.Errorf("%w: cannot decode %v as float", ErrDataType, dt)
	}
}

func encoder(dt DataType) (func([]byte, float32), error) {
	switch dt {
	case F32:
		return func(b []byte, v float32) { binary.LittleEndian.PutUint32(b, math.Float32bits(v)) }, nil
	case F16:
		return func(b []byte, v float32) { binary.LittleEndian.PutUint16(b, Float32ToF16(v)) }, nil
	case BF16:
		return func(b []byte, v float32) { binary.LittleEndian.PutUint16(b, Float32ToBF16(v)) }, nil
	default:
		return nil, fmt.Errorf("%w: cannot encode float as %v", ErrDataType, dt)
	}
}

// Convert returns a contiguous host copy of src encoded as dt. src may have
// any layout.
func Convert(src *Tensor, dt DataType) (*Tensor, error) {
	h, err := src.host()
	if err != nil {
		return nil, err
	}
	dec, err := decoder(src.dtype)
	if err != nil {
		return nil, err
	}
	enc, err := encoder(dt)
	if err != nil {
		return nil, err
	}
	dst, err := Zeros(dt, src.shape...)
	if err != nil {
		return nil, err
	}
	out := dst.storage.(*HostStorage).data
	ses, des := src.dtype.Size(), dt.Size()
	n, stride := src.RowLen()
	w := 0
	for _, row := range src.RowOffsets() {
		for j := range n {
			o := (row + j*stride) * ses
			enc(out[w:w+des], dec(h.data[o:o+ses]))
			w += des
		}
	}
	return dst, nil
}
