package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
)

// WriteOptions controls how EncodeTensors lays out the payload.
type WriteOptions struct {
	// Half stores every tensor as IEEE F16 instead of F32.
	Half bool
	// Metadata is written under __metadata__ when non-empty.
	Metadata map[string]string
}

// EncodeTensors serializes float32 tensors into safetensors format.
func EncodeTensors(tensors []Tensor, opts WriteOptions) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := slices.SortedFunc(slices.Values(tensors), func(a, b Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})

	kind := dtypeF32
	if opts.Half {
		kind = dtypeF16
	}

	elemBytes := kind.size()

	header := make(map[string]any, len(sorted)+1)
	raw := make([]byte, 0, estimateTensorBytes(sorted, elemBytes))

	for _, tensor := range sorted {
		name := strings.TrimSpace(tensor.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if name == metadataKey {
			return nil, fmt.Errorf("safetensors: tensor name %q is reserved", name)
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		elemCount, err := elementCount(tensor.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(tensor.Data)) != elemCount {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, tensor.Shape, elemCount, len(tensor.Data))
		}

		start := len(raw)

		raw = append(raw, make([]byte, len(tensor.Data)*elemBytes)...)
		for i, v := range tensor.Data {
			kind.put(raw[start:], i, v)
		}

		header[name] = headerEntry{
			DType:   string(kind),
			Shape:   append([]int64{}, tensor.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	if len(opts.Metadata) > 0 {
		header[metadataKey] = opts.Metadata
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, prefixBytes, prefixBytes+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file.
func WriteFile(path string, tensors []Tensor, opts WriteOptions) error {
	data, err := EncodeTensors(tensors, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}

func estimateTensorBytes(tensors []Tensor, elemBytes int) int {
	total := 0
	for _, tensor := range tensors {
		total += len(tensor.Data) * elemBytes
	}

	return total
}
