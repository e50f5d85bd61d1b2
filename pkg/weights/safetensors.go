package weights

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// DType names the on-disk element type of a tensor.
type DType string

const (
	F16 DType = "F16"
	F32 DType = "F32"
	F64 DType = "F64"
)

func (d DType) size() (int, error) {
	switch d {
	case F16:
		return 2, nil
	case F32:
		return 4, nil
	case F64:
		return 8, nil
	}
	return 0, errors.Errorf("unsupported dtype %q", string(d))
}

type tensorHeader struct {
	DType   DType   `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// maxHeaderSize guards against reading garbage as a header length.
const maxHeaderSize = 100 << 20

// Load reads every tensor of a safetensors file into a new Store.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening weights %q", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat weights %q", path)
	}

	store, err := Read(f, info.Size())
	if err != nil {
		return nil, errors.Wrapf(err, "reading weights %q", path)
	}
	klog.V(1).Infof("loaded %d tensors (%s) from %s", store.Len(), humanize.Bytes(uint64(info.Size())), path)
	return store, nil
}

// Read decodes a safetensors stream of the given total size.
func Read(r io.Reader, size int64) (*Store, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, errors.Wrap(err, "reading header size")
	}
	if headerSize > maxHeaderSize || int64(headerSize)+8 > size {
		return nil, errors.Errorf("invalid header size %d for a %d byte file", headerSize, size)
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "parsing header")
	}

	dataSize := size - 8 - int64(headerSize)
	data := make([]byte, dataSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrap(err, "reading tensor data")
	}

	store := NewStore()
	for name, entry := range entries {
		if name == "__metadata__" {
			continue
		}
		var h tensorHeader
		if err := json.Unmarshal(entry, &h); err != nil {
			return nil, errors.Wrapf(err, "parsing header of %q", name)
		}
		t, err := decodeTensor(name, h, data)
		if err != nil {
			return nil, err
		}
		store.Put(name, t)
	}
	return store, nil
}

func decodeTensor(name string, h tensorHeader, data []byte) (*Tensor, error) {
	if len(h.Offsets) != 2 {
		return nil, errors.Errorf("invalid offsets for %q: %v", name, h.Offsets)
	}
	begin, end := h.Offsets[0], h.Offsets[1]
	if begin < 0 || end < begin || end > int64(len(data)) {
		return nil, errors.Errorf("offsets [%d, %d) of %q outside %d data bytes", begin, end, name, len(data))
	}
	elem, err := h.DType.size()
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	n, err := checkedElements(h.Shape, elem)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	if int64(n*elem) != end-begin {
		return nil, errors.Errorf("tensor %q of shape %v needs %d bytes, has %d", name, h.Shape, n*elem, end-begin)
	}

	t := NewTensor(h.Shape...)
	buf := data[begin:end]
	for i := 0; i < n; i++ {
		switch h.DType {
		case F16:
			t.Data[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32())
		case F32:
			t.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		case F64:
			t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
		}
	}
	return t, nil
}

// checkedElements counts the elements of shape, refusing negative
// dimensions and counts whose byte size overflows int.
func checkedElements(shape []int, elem int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, errors.Errorf("negative dimension in shape %v", shape)
		}
		if d != 0 && n > math.MaxInt/elem/d {
			return 0, errors.Errorf("shape %v overflows", shape)
		}
		n *= d
	}
	return n, nil
}

// Save writes the store to path as a safetensors file with every tensor
// encoded as dtype.
func Save(path string, store *Store, dtype DType) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating weights %q", path)
	}
	if err := Write(f, store, dtype); err != nil {
		f.Close()
		return errors.Wrapf(err, "writing weights %q", path)
	}
	return errors.Wrapf(f.Close(), "closing weights %q", path)
}

// Write encodes the store in safetensors layout, tensors in name order.
func Write(w io.Writer, store *Store, dtype DType) error {
	elem, err := dtype.size()
	if err != nil {
		return err
	}

	names := store.Names()
	sort.Strings(names)
	header := make(map[string]interface{}, len(names)+1)
	header["__metadata__"] = map[string]string{"format": "pt"}
	var offset int64
	for _, name := range names {
		t, _ := store.Get(name)
		size := int64(len(t.Data) * elem)
		header[name] = tensorHeader{DType: dtype, Shape: t.Shape, Offsets: []int64{offset, offset + size}}
		offset += size
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "encoding header")
	}
	// pad the header with spaces so the data section stays 8-byte aligned
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for _, name := range names {
		t, _ := store.Get(name)
		for _, v := range t.Data {
			switch dtype {
			case F16:
				binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(float32(v)).Bits())
			case F32:
				binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
			case F64:
				binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
			}
			if _, err := w.Write(buf[:elem]); err != nil {
				return err
			}
		}
	}
	return nil
}
