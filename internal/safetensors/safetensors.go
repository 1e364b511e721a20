// Package safetensors reads the safetensors archive format: an 8-byte
// little-endian header length, a JSON header, then raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/ember/internal/tensor"
)

var (
	ErrCorruptFile   = errors.New("safetensors: corrupt file")
	ErrTensorMissing = errors.New("safetensors: tensor not found")
)

// maxHeaderLen bounds the JSON header the way the reference loaders do.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType tensor.DataType
	Shape []int
	Start int
	End   int
}

// File is a parsed archive. Tensor views borrow its data and are valid
// until Close.
type File struct {
	Path     string
	Metadata map[string]string

	data    []byte
	body    []byte
	tensors map[string]TensorInfo
	mmapped bool
}

type tensorHeader struct {
	DType       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets []int  `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap is unavailable
// the file is read into memory instead.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s: size %d", ErrCorruptFile, path, size64)
	}
	size := int(size64)

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf, parseErr := parse(data)
		if parseErr != nil {
			_ = unix.Munmap(data)
			return nil, fmt.Errorf("%s: %w", path, parseErr)
		}
		sf.Path = path
		sf.mmapped = true
		return sf, nil
	}

	data = make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	sf, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.Path = path
	return sf, nil
}

// Parse reads an archive already in memory. The returned File borrows data.
func Parse(data []byte) (*File, error) {
	return parse(data)
}

func parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short header", ErrCorruptFile)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	body := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptFile, err)
	}

	sf := &File{data: data, body: body, tensors: make(map[string]TensorInfo, len(raw))}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFile, err)
		}
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrCorruptFile, name, err)
		}
		info, err := th.info(len(body))
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		sf.tensors[name] = info
	}
	return sf, nil
}

func (th tensorHeader) info(bodyLen int) (TensorInfo, error) {
	dt, err := tensor.ParseDataType(th.DType)
	if err != nil {
		return TensorInfo{}, err
	}
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("%w: data_offsets has %d entries", ErrCorruptFile, len(th.DataOffsets))
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start || end > bodyLen {
		return TensorInfo{}, fmt.Errorf("%w: data_offsets [%d, %d] outside %d bytes", ErrCorruptFile, start, end, bodyLen)
	}
	n := 1
	for _, d := range th.Shape {
		if d < 0 {
			return TensorInfo{}, fmt.Errorf("%w: negative dimension in %v", ErrCorruptFile, th.Shape)
		}
		n *= d
	}
	if n*dt.Size() != end-start {
		return TensorInfo{}, fmt.Errorf("%w: %v %v needs %d bytes, has %d", ErrCorruptFile, dt, th.Shape, n*dt.Size(), end-start)
	}
	return TensorInfo{DType: dt, Shape: th.Shape, Start: start, End: end}, nil
}

// Names lists the tensors in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Info(name string) (TensorInfo, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Tensor returns a zero-copy view of the named tensor. Scalars are
// returned with shape [1].
func (f *File) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTensorMissing, name)
	}
	shape := info.Shape
	if len(shape) == 0 {
		shape = []int{1}
	}
	return tensor.New(info.DType, shape, f.body[info.Start:info.End:info.End])
}

// Close releases the mapping. Views returned by Tensor must not be used
// afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.body = nil
	f.tensors = nil
	f.mmapped = false
	return err
}
