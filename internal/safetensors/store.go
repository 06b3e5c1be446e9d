// Package safetensors reads and writes checkpoint weights in the safetensors
// container format: an 8-byte little-endian header length, a JSON header that
// maps tensor names to dtype/shape/offsets, and the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/x448/float16"
)

const (
	prefixBytes = 8
	metadataKey = "__metadata__"
)

// dtype is the element encoding named in a header entry.
type dtype string

const (
	dtypeF32  dtype = "F32"
	dtypeF16  dtype = "F16"
	dtypeBF16 dtype = "BF16"
)

func parseDType(s string) (dtype, bool) {
	d := dtype(strings.ToUpper(s))
	switch d {
	case dtypeF32, dtypeF16, dtypeBF16:
		return d, true
	}

	return "", false
}

func (d dtype) size() int {
	if d == dtypeF32 {
		return 4
	}

	return 2
}

// at decodes element i of raw.
func (d dtype) at(raw []byte, i int) float32 {
	switch d {
	case dtypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
	case dtypeBF16:
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
}

// put encodes v as element i of raw.
func (d dtype) put(raw []byte, i int, v float32) {
	switch d {
	case dtypeF16:
		binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(v).Bits())
	case dtypeBF16:
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(math.Float32bits(v)>>16))
	default:
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
}

// Tensor holds a single decoded float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// KeyMapper renames checkpoint keys as they are indexed. Returning keep=false
// drops the tensor.
type KeyMapper func(name string) (mapped string, keep bool)

// StoreOptions controls how checkpoint keys are indexed.
type StoreOptions struct {
	KeyMapper KeyMapper
	// Strict turns dropped keys and mapped-name collisions into errors
	// instead of skipping them.
	Strict bool
}

// StripPrefix returns a KeyMapper that removes prefix from every key and drops
// keys that do not carry it. An empty prefix keeps every key unchanged.
func StripPrefix(prefix string) KeyMapper {
	if prefix == "" {
		return nil
	}

	return func(name string) (string, bool) {
		return strings.CutPrefix(name, prefix)
	}
}

// Store is an indexed, lazily decoded safetensors payload.
type Store struct {
	raw      []byte
	index    map[string]span
	names    []string
	metadata map[string]string
}

// span locates one tensor inside raw.
type span struct {
	kind       dtype
	shape      []int64
	start, end int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// OpenStore reads and indexes a safetensors file.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

// OpenStoreFromBytes indexes an in-memory payload. Tensor data is decoded on
// demand by Tensor.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	base, header, err := splitHeader(data)
	if err != nil {
		return nil, err
	}

	metadata, err := parseMetadata(header[metadataKey])
	if err != nil {
		return nil, err
	}

	delete(header, metadataKey)

	s := &Store{
		raw:      data,
		index:    make(map[string]span, len(header)),
		metadata: metadata,
	}

	for _, key := range slices.Sorted(maps.Keys(header)) {
		var entry headerEntry
		if err := json.Unmarshal(header[key], &entry); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", key, err)
		}

		sp, err := locate(key, entry, base, len(data))
		if err != nil {
			return nil, err
		}

		if err := s.add(key, sp, opts); err != nil {
			return nil, err
		}
	}

	if len(s.index) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	slices.Sort(s.names)

	return s, nil
}

func (s *Store) add(key string, sp span, opts StoreOptions) error {
	name := key
	if opts.KeyMapper != nil {
		mapped, keep := opts.KeyMapper(key)
		if !keep {
			if opts.Strict {
				return fmt.Errorf("safetensors: key mapper rejected tensor %q", key)
			}

			return nil
		}

		name = strings.TrimSpace(mapped)
		if name == "" {
			return fmt.Errorf("safetensors: tensor %q maps to an empty name", key)
		}
	}

	if _, dup := s.index[name]; dup {
		if opts.Strict {
			return fmt.Errorf("safetensors: mapped name %q is not unique", name)
		}

		return nil
	}

	s.index[name] = sp
	s.names = append(s.names, name)

	return nil
}

// Names lists the indexed tensor names in sorted order.
func (s *Store) Names() []string { return slices.Clone(s.names) }

func (s *Store) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Shape returns the header shape of name without decoding its data.
func (s *Store) Shape(name string) ([]int64, bool) {
	sp, ok := s.index[name]
	if !ok {
		return nil, false
	}

	return slices.Clone(sp.shape), true
}

// Metadata returns the free-form string map stored under __metadata__.
func (s *Store) Metadata() map[string]string { return maps.Clone(s.metadata) }

// Tensor decodes name to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	sp, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, listNames(s.names))
	}

	n := sp.elems()
	raw := s.raw[sp.start:sp.end]
	data := make([]float32, n)

	for i := range data {
		data[i] = sp.kind.at(raw, i)
	}

	return &Tensor{Name: name, Shape: slices.Clone(sp.shape), Data: data}, nil
}

// TensorWithShape is Tensor plus a check against the expected shape.
func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !equalShape(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q has shape %v, want %v", name, t.Shape, want)
	}

	return t, nil
}

// Close drops the payload so it can be collected.
func (s *Store) Close() {
	*s = Store{}
}

func (sp span) elems() int {
	n, _ := elementCount(sp.shape)
	return int(n)
}

func splitHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < prefixBytes {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	size := binary.LittleEndian.Uint64(data[:prefixBytes])
	if size > uint64(len(data)-prefixBytes) {
		return 0, nil, fmt.Errorf("safetensors: header of %d bytes does not fit in %d-byte file", size, len(data))
	}

	base := prefixBytes + int(size)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[prefixBytes:base], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return base, header, nil
}

func parseMetadata(raw json.RawMessage) (map[string]string, error) {
	md := map[string]string{}
	if len(raw) == 0 {
		return md, nil
	}

	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("safetensors: parse %s: %w", metadataKey, err)
	}

	if md == nil {
		md = map[string]string{}
	}

	return md, nil
}

// locate validates a header entry against the payload of size total whose
// data section starts at base.
func locate(key string, e headerEntry, base, total int) (span, error) {
	kind, ok := parseDType(e.DType)
	if !ok {
		return span{}, fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", key, e.DType)
	}

	lo, hi := e.Offsets[0], e.Offsets[1]
	if lo < 0 || hi < lo {
		return span{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", key, e.Offsets)
	}

	n, err := elementCount(e.Shape)
	if err != nil {
		return span{}, fmt.Errorf("safetensors: tensor %q: %w", key, err)
	}

	start, end := base+lo, base+hi
	if end > total {
		return span{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] runs past end of file (%d)", key, start, end, total)
	}

	if need := int(n) * kind.size(); end-start < need {
		return span{}, fmt.Errorf("safetensors: tensor %q needs %d bytes, has %d", key, need, end-start)
	}

	return span{kind: kind, shape: slices.Clone(e.Shape), start: start, end: end}, nil
}

func elementCount(shape []int64) (int64, error) {
	if slices.ContainsFunc(shape, func(d int64) bool { return d < 0 }) {
		return 0, fmt.Errorf("negative dimension in shape %v", shape)
	}

	total := int64(1)

	for _, d := range shape {
		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

// equalShape treats nil and empty as the same scalar shape.
func equalShape(a, b []int64) bool { return slices.Equal(a, b) }

func listNames(names []string) string {
	const shown = 8

	switch {
	case len(names) == 0:
		return "none"
	case len(names) > shown:
		return strings.Join(names[:shown], ", ") + ", ..."
	default:
		return strings.Join(names, ", ")
	}
}
