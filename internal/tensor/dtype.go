package tensor

import (
	"fmt"
	"strings"
)

// DataType identifies the element encoding of a tensor.
type DataType uint8

const (
	Invalid DataType = iota
	F16
	BF16
	F32
	U32
)

// Size returns the element size in bytes.
func (d DataType) Size() int {
	switch d {
	case F16, BF16:
		return 2
	case F32, U32:
		return 4
	default:
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case F32:
		return "F32"
	case U32:
		return "U32"
	default:
		return "invalid"
	}
}

// IsFloat reports whether d is a floating point encoding.
func (d DataType) IsFloat() bool {
	return d == F16 || d == BF16 || d == F32
}

// ParseDataType accepts safetensors dtype tags ("F32", "BF16") as well as
// torch_dtype names ("float32", "bfloat16").
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f32", "float32", "float":
		return F32, nil
	case "u32", "uint32":
		return U32, nil
	default:
		return Invalid, fmt.Errorf("%w: %q", ErrDataType, s)
	}
}
