package weights

import (
	"bytes"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
)

func sampleStore() *Store {
	s := NewStore()
	s.Record("conv6.1.weight", []float64{0.5, -2, 1.25, 0, 3, -0.75}, 1, 2, 3, 1)
	s.Record("conv6.1.bias", []float64{0.25}, 1)
	return s
}

// TestRoundTrip writes and reads back every supported dtype; the sample
// values are exact in half precision
func TestRoundTrip(t *testing.T) {
	for _, dtype := range []DType{F16, F32, F64} {
		t.Run(string(dtype), func(t *testing.T) {
			src := sampleStore()
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, src, dtype))

			// the data section starts on an 8-byte boundary
			headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
			assert.Zero(t, headerLen%8)

			got, err := Read(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
			require.NoError(t, err)
			assert.Equal(t, src.Names(), got.Names())
			for _, name := range src.Names() {
				want, _ := src.Get(name)
				have, _ := got.Get(name)
				assert.Equal(t, want.Shape, have.Shape, name)
				assert.Equal(t, want.Data, have.Data, name)
			}
		})
	}
}

// TestSaveLoadFile goes through the filesystem helpers
func TestSaveLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, Save(path, sampleStore(), F32))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.safetensors"))
	assert.Error(t, err)

	assert.Error(t, Save(path, sampleStore(), DType("BF16")))
}

// rawFile assembles a safetensors stream from a literal header
func rawFile(header string, data []byte) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

// TestReadErrors covers malformed files
func TestReadErrors(t *testing.T) {
	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32, math.Float32bits(1))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(2))

	tests := []struct {
		name string
		file []byte
	}{
		{"truncated length", []byte{1, 2, 3}},
		{"header larger than file", rawFile(`{}`, nil)[:9]},
		{"not json", rawFile(`{"a":`, nil)},
		{"unknown dtype", rawFile(`{"a":{"dtype":"I8","shape":[2],"data_offsets":[0,2]}}`, f32)},
		{"offsets past end", rawFile(`{"a":{"dtype":"F32","shape":[2],"data_offsets":[0,16]}}`, f32)},
		{"shape disagrees with bytes", rawFile(`{"a":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, f32)},
		{"negative dimension", rawFile(`{"a":{"dtype":"F32","shape":[-2,-1],"data_offsets":[0,8]}}`, f32)},
		{"element count overflows", rawFile(`{"a":{"dtype":"F32","shape":[3,4611686018427387904],"data_offsets":[0,0]}}`, f32)},
		{"missing offsets", rawFile(`{"a":{"dtype":"F32","shape":[2]}}`, f32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(tt.file), int64(len(tt.file)))
			assert.Error(t, err)
		})
	}

	t.Run("valid with metadata", func(t *testing.T) {
		file := rawFile(`{"__metadata__":{"format":"pt"},"a":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, f32)
		s, err := Read(bytes.NewReader(file), int64(len(file)))
		require.NoError(t, err)
		a, ok := s.Get("a")
		require.True(t, ok)
		assert.Equal(t, []float64{1, 2}, a.Data)
	})
}

func TestFetch(t *testing.T) {
	s := sampleStore()
	dst := make([]float64, 1)
	require.NoError(t, s.Fetch("conv6.1.bias", dst, 1))
	assert.Equal(t, 0.25, dst[0])

	err := s.Fetch("conv6.0.bias", dst, 1)
	assert.True(t, errors.Is(err, models.ErrConfig))
	assert.Contains(t, err.Error(), "conv6.0.bias")

	err = s.Fetch("conv6.1.weight", make([]float64, 6), 2, 1, 3, 1)
	assert.True(t, errors.Is(err, models.ErrConfig))
	assert.Contains(t, err.Error(), "[1 2 3 1]")
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "DACA_block.2.attention.w_q", Join("DACA_block", 2, "attention", "w_q"))
	assert.Equal(t, "conv", Join("", "conv"))
	assert.Equal(t, "FE1", Join("FE1"))
}

// TestInitializer checks determinism and the fan-in bound
func TestInitializer(t *testing.T) {
	a, b := make([]float64, 100), make([]float64, 100)
	NewInitializer(42).Uniform(a, 9)
	NewInitializer(42).Uniform(b, 9)
	assert.Equal(t, a, b)
	for _, v := range a {
		assert.LessOrEqual(t, math.Abs(v), 1.0/3)
	}

	NewInitializer(43).Uniform(b, 9)
	assert.NotEqual(t, a, b)
}
