package serialization

import (
	"fmt"
	"slices"
	"strings"
)

// Header limits.
const (
	MaxHeaderSize    = 100 * 1024 * 1024
	MaxTensorCount   = 100_000
	MaxTensorNameLen = 4096
)

// ValidationLevel controls how much of a header is checked on read.
type ValidationLevel int

const (
	// ValidationStrict checks names and data offsets.
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names only.
	ValidationNormal
	// ValidationNone trusts the header.
	ValidationNone
)

// ValidateTensorOffsets reports the first tensor whose byte range is
// negative, runs past dataSize or overlaps the next range in offset order.
func ValidateTensorOffsets(tensors []TensorMeta, dataSize int64) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := slices.Clone(tensors)
	slices.SortFunc(sorted, func(a, b TensorMeta) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})

	for i, t := range sorted {
		end := t.Offset + t.Size
		switch {
		case t.Offset < 0 || t.Size < 0:
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.Name,
				Details: fmt.Sprintf("offset=%d, size=%d", t.Offset, t.Size),
			}
		case end > dataSize:
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.Name,
				Details: fmt.Sprintf("range [%d-%d) past data size %d", t.Offset, end, dataSize),
			}
		case i+1 < len(sorted) && end > sorted[i+1].Offset:
			next := sorted[i+1]
			return &ValidationError{
				Type:    "offset_overlap",
				Tensor:  t.Name,
				Tensor2: next.Name,
				Details: fmt.Sprintf("ranges [%d-%d) and [%d-%d) overlap", t.Offset, end, next.Offset, next.Offset+next.Size),
			}
		}
	}
	return nil
}

// ValidateTensorName rejects names that are too long or could be read as
// a path: "..", separators and NUL bytes.
//
// Optimizer state keys are built from parameter names, so the same rule
// applies to those.
func ValidateTensorName(name string) error {
	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	}
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty name"}
	}
	for _, bad := range []string{"..", "/", "\\", "\x00"} {
		if strings.Contains(name, bad) {
			return &ValidationError{
				Type:    "invalid_name",
				Tensor:  name,
				Details: fmt.Sprintf("contains %q", bad),
			}
		}
	}
	return nil
}

// ValidateHeader checks h against level.
func ValidateHeader(h *SafeTensorsHeader, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}

	metas := make([]TensorMeta, 0, len(h.Tensors))
	for name, info := range h.Tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		metas = append(metas, TensorMeta{
			Name:   name,
			Offset: info.DataOffsets[0],
			Size:   info.DataOffsets[1] - info.DataOffsets[0],
		})
	}

	if level == ValidationStrict {
		return ValidateTensorOffsets(metas, dataSize)
	}
	if len(metas) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(metas), MaxTensorCount),
		}
	}
	return nil
}
