package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/born-ml/kron/internal/tensor"
)

// SafeTensorsDType is a dtype name as written in SafeTensors headers.
type SafeTensorsDType string

// Supported SafeTensors dtypes.
const (
	SafeTensorsF32  SafeTensorsDType = "F32"
	SafeTensorsF64  SafeTensorsDType = "F64"
	SafeTensorsBF16 SafeTensorsDType = "BF16"
)

// Header keys reserved by this package.
const (
	MetadataKey         = "__metadata__"
	MetadataChecksumKey = "sha256" // hex SHA-256 of the data section
)

// SafeTensorInfo describes a tensor in the SafeTensors header.
type SafeTensorInfo struct {
	DType       SafeTensorsDType `json:"dtype"`
	Shape       []int64          `json:"shape"`
	DataOffsets [2]int64         `json:"data_offsets"` // [start, end)
}

// TensorMeta is a tensor's location in the data section, used for
// validation.
type TensorMeta struct {
	Name   string
	Offset int64
	Size   int64
}

// SafeTensorsHeader is the parsed JSON header.
type SafeTensorsHeader struct {
	Metadata map[string]string
	Tensors  map[string]SafeTensorInfo
}

// UnmarshalJSON splits the flat header object into metadata and tensors.
func (h *SafeTensorsHeader) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[MetadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]SafeTensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == MetadataKey {
			continue
		}
		var info SafeTensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}
	return nil
}

// dtypeToSafeTensors converts tensor.DataType to a SafeTensors dtype.
func dtypeToSafeTensors(dt tensor.DataType) (SafeTensorsDType, error) {
	switch dt {
	case tensor.Float32:
		return SafeTensorsF32, nil
	case tensor.Float64:
		return SafeTensorsF64, nil
	case tensor.BFloat16:
		return SafeTensorsBF16, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}

// safeTensorsToDtype converts a SafeTensors dtype to tensor.DataType.
func safeTensorsToDtype(dt SafeTensorsDType) (tensor.DataType, error) {
	switch dt {
	case SafeTensorsF32:
		return tensor.Float32, nil
	case SafeTensorsF64:
		return tensor.Float64, nil
	case SafeTensorsBF16:
		return tensor.BFloat16, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}
