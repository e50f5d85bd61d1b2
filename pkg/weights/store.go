// Package weights holds the learned parameters of the fusion network and
// reads/writes them as safetensors files.
package weights

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// Tensor is one named parameter array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, numElements(shape))}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Store maps parameter names to tensors. It is safe for concurrent reads;
// writers are the loader and the exporters, which run before inference.
type Store struct {
	mu      sync.RWMutex
	tensors map[string]*Tensor
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{tensors: make(map[string]*Tensor)}
}

// Put stores t under name, replacing any previous tensor.
func (s *Store) Put(name string, t *Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tensors[name] = t
}

// Get returns the tensor named name, if any.
func (s *Store) Get(name string) (*Tensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tensors[name]
	return t, ok
}

// Names returns the sorted tensor names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tensors))
	for n := range s.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tensors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tensors)
}

// Fetch copies the tensor named name into dst after checking its shape.
// A missing or mis-shaped tensor is a configuration error.
func (s *Store) Fetch(name string, dst []float64, shape ...int) error {
	t, ok := s.Get(name)
	if !ok {
		return errors.Wrapf(models.ErrConfig, "missing weight %q", name)
	}
	if !sameShape(t.Shape, shape) {
		return errors.Wrapf(models.ErrConfig, "weight %q has shape %v, want %v", name, t.Shape, shape)
	}
	if len(dst) != len(t.Data) {
		return errors.Wrapf(models.ErrConfig, "weight %q has %d values, destination holds %d", name, len(t.Data), len(dst))
	}
	copy(dst, t.Data)
	return nil
}

// Record stores a copy of src under name with the given shape.
func (s *Store) Record(name string, src []float64, shape ...int) {
	t := NewTensor(shape...)
	copy(t.Data, src)
	s.Put(name, t)
}

// Join builds dotted parameter names the way the checkpoints spell them.
func Join(prefix string, parts ...interface{}) string {
	name := prefix
	for _, p := range parts {
		if name == "" {
			name = fmt.Sprint(p)
			continue
		}
		name = fmt.Sprintf("%s.%v", name, p)
	}
	return name
}
