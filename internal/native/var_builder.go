package native

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/example/go-phoneme2mel/internal/runtime/tensor"
	"github.com/example/go-phoneme2mel/internal/safetensors"
)

// Init selects how a random source fills a parameter. Store-backed sources
// ignore it.
type Init int

const (
	// InitUniform draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
	InitUniform Init = iota
	// InitNormal draws from N(0, 1).
	InitNormal
	InitOnes
	InitZeros
)

// ParamSource resolves a fully qualified parameter name to a tensor of the
// requested shape.
type ParamSource interface {
	Has(name string) bool
	Param(name string, shape []int64, init Init) (*tensor.Tensor, error)
}

type storeSource struct {
	store *safetensors.Store
}

func (s storeSource) Has(name string) bool { return s.store.Has(name) }

func (s storeSource) Param(name string, shape []int64, _ Init) (*tensor.Tensor, error) {
	st, err := s.store.TensorWithShape(name, shape)
	if err != nil {
		return nil, err
	}

	return tensor.New(st.Data, st.Shape)
}

// randomSource derives every tensor from (seed, fnv64a(name)) so values do
// not depend on construction order.
type randomSource struct {
	seed uint64
}

func (randomSource) Has(string) bool { return true }

func (s randomSource) Param(name string, shape []int64, init Init) (*tensor.Tensor, error) {
	switch init {
	case InitOnes:
		return tensor.Full(shape, 1)
	case InitZeros:
		return tensor.Zeros(shape)
	}

	t, err := tensor.Zeros(shape)
	if err != nil {
		return nil, err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(s.seed, h.Sum64()))

	data := t.RawData()

	if init == InitNormal {
		for i := range data {
			data[i] = float32(rng.NormFloat64())
		}

		return t, nil
	}

	fanIn := int64(1)
	for _, d := range shape[1:] {
		fanIn *= d
	}

	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	return t, nil
}

// binding records every parameter handed out by a VarBuilder tree.
type binding struct {
	mu     sync.Mutex
	params map[string]*tensor.Tensor
}

// VarBuilder provides hierarchical dotted-name parameter lookup.
type VarBuilder struct {
	src      ParamSource
	store    *safetensors.Store
	prefix   string
	bindings *binding
}

func OpenVarBuilder(path string, opts safetensors.StoreOptions) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, opts)
	if err != nil {
		return nil, err
	}

	return NewVarBuilder(store), nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{
		src:      storeSource{store: store},
		store:    store,
		bindings: &binding{params: map[string]*tensor.Tensor{}},
	}
}

// NewRandomVarBuilder returns a builder whose parameters are deterministic
// pseudo-random values derived from seed.
func NewRandomVarBuilder(seed uint64) *VarBuilder {
	return &VarBuilder{
		src:      randomSource{seed: seed},
		bindings: &binding{params: map[string]*tensor.Tensor{}},
	}
}

func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{src: vb.src, store: vb.store, prefix: prefix, bindings: vb.bindings}
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.src == nil {
		return false
	}

	return vb.src.Has(vb.resolve(name))
}

// Tensor binds the parameter name (relative to the builder prefix) with the
// given shape.
func (vb *VarBuilder) Tensor(name string, init Init, shape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.src == nil {
		return nil, errors.New("native varbuilder: uninitialized source")
	}

	fullName := vb.resolve(name)

	t, err := vb.src.Param(fullName, shape, init)
	if err != nil {
		return nil, fmt.Errorf("native varbuilder: %w", err)
	}

	if !equalShape(t.Shape(), shape) {
		return nil, fmt.Errorf("native varbuilder: tensor %q shape %v does not match expected %v", fullName, t.Shape(), shape)
	}

	vb.bindings.mu.Lock()
	vb.bindings.params[fullName] = t
	vb.bindings.mu.Unlock()

	return t, nil
}

// Metadata returns the safetensors metadata of a store-backed builder.
func (vb *VarBuilder) Metadata() map[string]string {
	if vb == nil || vb.store == nil {
		return nil
	}

	return vb.store.Metadata()
}

// Bound returns every parameter bound so far, sorted by name.
func (vb *VarBuilder) Bound() []safetensors.Tensor {
	vb.bindings.mu.Lock()
	defer vb.bindings.mu.Unlock()

	out := make([]safetensors.Tensor, 0, len(vb.bindings.params))
	for name, t := range vb.bindings.params {
		out = append(out, safetensors.Tensor{Name: name, Shape: t.Shape(), Data: t.Data()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Unused lists store tensors that no component bound. Random builders have
// none.
func (vb *VarBuilder) Unused() []string {
	if vb == nil || vb.store == nil {
		return nil
	}

	vb.bindings.mu.Lock()
	defer vb.bindings.mu.Unlock()

	var out []string

	for _, name := range vb.store.Names() {
		if _, ok := vb.bindings.params[name]; !ok {
			out = append(out, name)
		}
	}

	return out
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
}

func equalShape(a, b []int64) bool {
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
