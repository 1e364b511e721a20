package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/samcharles93/ember/internal/tensor"
)

// Named pairs a tensor with its archive name.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// Write encodes host tensors as a safetensors archive in the given order.
// The header is space-padded so the data section starts 8-byte aligned.
func Write(w io.Writer, tensors []Named, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	payload := make([][]byte, len(tensors))
	off := 0
	for i, nt := range tensors {
		if _, dup := header[nt.Name]; dup || nt.Name == "" {
			return fmt.Errorf("safetensors: invalid or duplicate name %q", nt.Name)
		}
		b, err := contiguousBytes(nt.Tensor)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", nt.Name, err)
		}
		payload[i] = b
		header[nt.Name] = tensorHeader{
			DType:       nt.Tensor.DataType().String(),
			Shape:       nt.Tensor.Shape(),
			DataOffsets: []int{off, off + len(b)},
		}
		off += len(b)
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, b := range payload {
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func contiguousBytes(t *tensor.Tensor) ([]byte, error) {
	if !t.IsContiguous() {
		c, err := tensor.Convert(t, t.DataType())
		if err != nil {
			return nil, err
		}
		t = c
	}
	return t.HostBytes()
}
