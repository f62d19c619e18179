package audio

import "testing"

func TestIsFixedPoint(t *testing.T) {
	if !IsFixedPoint[int16]() {
		t.Error("Expected int16 to be fixed point")
	}
	if IsFixedPoint[float32]() {
		t.Error("Expected float32 not to be fixed point")
	}
}

func TestPCM16Conversion(t *testing.T) {
	pcm := []int16{0, 16384, -16384, -32768, 32767}

	floats := FromPCM16[float32](pcm)
	expected := []float32{0, 0.5, -0.5, -1, 32767.0 / 32768.0}
	if !equalSamples(floats, expected) {
		t.Errorf("Expected %v, got %v", expected, floats)
	}

	ints := FromPCM16[int16](pcm)
	if !equalSamples(ints, pcm) {
		t.Errorf("Expected int16 conversion to be identity, got %v", ints)
	}

	back := ToPCM16(ints)
	if !equalSamples(back, pcm) {
		t.Errorf("Expected %v, got %v", pcm, back)
	}
}

func TestPCM16Bytes(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expected    []int16
		expectError bool
	}{
		{
			name:     "little endian samples",
			data:     []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80},
			expected: []int16{1, -1, -32768},
		},
		{
			name:     "empty payload",
			data:     []byte{},
			expected: []int16{},
		},
		{
			name:        "odd length",
			data:        []byte{0x01, 0x00, 0x02},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, err := PCM16FromBytes(tt.data)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if !equalSamples(samples, tt.expected) {
				t.Errorf("Expected %v, got %v", tt.expected, samples)
			}

			encoded := PCM16ToBytes(samples)
			if string(encoded) != string(tt.data) {
				t.Errorf("Expected round trip bytes %v, got %v", tt.data, encoded)
			}
		})
	}
}
