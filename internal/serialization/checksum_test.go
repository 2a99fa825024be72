package serialization

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dataSection returns the tensor payload of a SafeTensors file.
func dataSection(t *testing.T, path string) []byte {
	t.Helper()
	r, err := NewSafeTensorsReader(path)
	require.NoError(t, err)
	defer r.Close()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw[r.dataOffset:]
}

func TestWriterEmbedsPayloadChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.safetensors")
	require.NoError(t, WriteSafeTensors(path, sampleState(t), map[string]string{"step": "3"}))

	loaded, err := ReadSafeTensors(path)
	require.NoError(t, err)
	stored, err := ParseChecksum(loaded.Metadata[MetadataChecksumKey])
	require.NoError(t, err)

	got, err := ComputeChecksumReader(bytes.NewReader(dataSection(t, path)))
	require.NoError(t, err)
	assert.Equal(t, stored, got)
	assert.NoError(t, ValidateChecksum(got, stored))
}

func TestComputeChecksumReader(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		sum, err := ComputeChecksumReader(bytes.NewReader([]byte(tt.input)))
		require.NoError(t, err)
		assert.Equal(t, tt.want, hex.EncodeToString(sum[:]), "input %q", tt.input)
	}

	_, err := ComputeChecksumReader(failingReader{})
	assert.Error(t, err)
}

func TestValidateChecksum(t *testing.T) {
	a, err := ComputeChecksumReader(bytes.NewReader([]byte("w.0.exp_avg")))
	require.NoError(t, err)
	b := a
	b[0] ^= 1

	assert.NoError(t, ValidateChecksum(a, a))
	if err := ValidateChecksum(a, b); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestParseChecksum(t *testing.T) {
	sum, err := ComputeChecksumReader(bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	parsed, err := ParseChecksum(hex.EncodeToString(sum[:]))
	require.NoError(t, err)
	assert.Equal(t, sum, parsed)

	for _, bad := range []string{"abcd", "zz", ""} {
		_, err := ParseChecksum(bad)
		assert.Error(t, err, "ParseChecksum(%q)", bad)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
