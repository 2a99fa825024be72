package serialization

import (
	"errors"
	"strings"
	"testing"
)

func headerOf(metas ...TensorMeta) SafeTensorsHeader {
	h := SafeTensorsHeader{Tensors: make(map[string]SafeTensorInfo, len(metas))}
	for _, m := range metas {
		h.Tensors[m.Name] = SafeTensorInfo{
			DType:       SafeTensorsF32,
			DataOffsets: [2]int64{m.Offset, m.Offset + m.Size},
		}
	}
	return h
}

func TestValidateTensorOffsets(t *testing.T) {
	tests := []struct {
		name     string
		tensors  []TensorMeta
		dataSize int64
		want     error
	}{
		{
			name: "contiguous",
			tensors: []TensorMeta{
				{Name: "w.0.q.1", Offset: 300, Size: 150},
				{Name: "w.0.exp_avg", Offset: 0, Size: 100},
				{Name: "w.0.q.0", Offset: 100, Size: 200},
			},
			dataSize: 450,
		},
		{
			name: "overlap by one byte",
			tensors: []TensorMeta{
				{Name: "a", Offset: 0, Size: 100},
				{Name: "b", Offset: 99, Size: 100},
			},
			dataSize: 200,
			want:     ErrOffsetOverlap,
		},
		{
			name:     "past the data section",
			tensors:  []TensorMeta{{Name: "a", Offset: 100, Size: 200}},
			dataSize: 250,
			want:     ErrOutOfBounds,
		},
		{
			name:     "fits exactly",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: 500}},
			dataSize: 500,
		},
		{
			name:     "negative offset",
			tensors:  []TensorMeta{{Name: "a", Offset: -100, Size: 100}},
			dataSize: 500,
			want:     ErrNegativeOffset,
		},
		{
			name:     "negative size",
			tensors:  []TensorMeta{{Name: "a", Offset: 0, Size: -100}},
			dataSize: 500,
			want:     ErrNegativeOffset,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTensorOffsets(tt.tensors, tt.dataSize)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("expected *ValidationError, got %T", err)
			}
		})
	}
}

func TestValidateTensorOffsets_TooManyTensors(t *testing.T) {
	tensors := make([]TensorMeta, MaxTensorCount+1)
	for i := range tensors {
		tensors[i] = TensorMeta{Name: "t", Offset: int64(i), Size: 1}
	}
	err := ValidateTensorOffsets(tensors, int64(len(tensors)))
	if !errors.Is(err, ErrTooManyTensors) {
		t.Errorf("got %v, want ErrTooManyTensors", err)
	}
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{
		"w",
		"layer.weight.0.exp_avg",
		"layer.weight.0.q_cache.1",
		"embedding-matrix",
		"output:logits",
	} {
		if err := ValidateTensorName(name); err != nil {
			t.Errorf("ValidateTensorName(%q): %v", name, err)
		}
	}

	for name, want := range map[string]error{
		"":                                       ErrInvalidTensorName,
		"../../../etc/passwd":                    ErrInvalidTensorName,
		"encoder/w":                              ErrInvalidTensorName,
		`model\layer`:                            ErrInvalidTensorName,
		"w\x00hidden":                            ErrInvalidTensorName,
		strings.Repeat("a", MaxTensorNameLen+1): ErrTensorNameTooLong,
	} {
		if err := ValidateTensorName(name); !errors.Is(err, want) {
			t.Errorf("ValidateTensorName(%.20q): got %v, want %v", name, err, want)
		}
	}
}

func TestValidateHeader(t *testing.T) {
	overlap := headerOf(
		TensorMeta{Name: "a", Offset: 0, Size: 100},
		TensorMeta{Name: "b", Offset: 50, Size: 100},
	)
	if err := ValidateHeader(&overlap, 200, ValidationNormal); err != nil {
		t.Errorf("normal level checks names only, got %v", err)
	}
	if err := ValidateHeader(&overlap, 200, ValidationStrict); !errors.Is(err, ErrOffsetOverlap) {
		t.Errorf("strict level: got %v, want ErrOffsetOverlap", err)
	}

	badName := headerOf(TensorMeta{Name: "../w", Offset: 0, Size: 100})
	if err := ValidateHeader(&badName, 100, ValidationNormal); !errors.Is(err, ErrInvalidTensorName) {
		t.Errorf("got %v, want ErrInvalidTensorName", err)
	}

	garbage := headerOf(TensorMeta{Name: "../../w", Offset: -1000, Size: -1000})
	if err := ValidateHeader(&garbage, 100, ValidationNone); err != nil {
		t.Errorf("ValidationNone should skip all checks, got %v", err)
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		err  *ValidationError
		want string
	}{
		{
			err:  &ValidationError{Type: "out_of_bounds", Tensor: "w.0.q.0", Details: "past end"},
			want: `out_of_bounds: tensor "w.0.q.0": past end`,
		},
		{
			err:  &ValidationError{Type: "offset_overlap", Tensor: "a", Tensor2: "b", Details: "overlap"},
			want: `offset_overlap: tensors "a" and "b": overlap`,
		},
		{
			err:  &ValidationError{Type: "too_many_tensors", Details: "got 100001, max 100000"},
			want: "too_many_tensors: got 100001, max 100000",
		},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
	if (&ValidationError{Type: "unknown"}).Unwrap() != nil {
		t.Error("unknown types should not map to a sentinel")
	}
}

func FuzzValidateTensorName(f *testing.F) {
	f.Add("w.0.exp_avg")
	f.Add("../malicious")
	f.Add("\x00")
	f.Fuzz(func(_ *testing.T, name string) {
		_ = ValidateTensorName(name)
	})
}

func FuzzValidateTensorOffsets(f *testing.F) {
	f.Add(int64(0), int64(100), int64(200))
	f.Add(int64(-100), int64(50), int64(1000))
	f.Fuzz(func(_ *testing.T, offset, size, dataSize int64) {
		_ = ValidateTensorOffsets([]TensorMeta{{Name: "f", Offset: offset, Size: size}}, dataSize)
	})
}
