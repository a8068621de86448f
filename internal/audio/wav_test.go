package audio

import "testing"

func TestEncodeDecodeWAV(t *testing.T) {
	samples := make([]int16, 1600)
	for i := range samples {
		samples[i] = int16(i % 300)
	}

	data, err := EncodeWAV(samples, 16000)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != 44+len(samples)*2 {
		t.Errorf("unexpected WAV size %d", len(data))
	}

	decoded, rate, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rate != 16000 {
		t.Errorf("expected rate 16000, got %d", rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("sample count mismatch: %d vs %d", len(decoded), len(samples))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("sample %d mismatch: %d vs %d", i, decoded[i], samples[i])
		}
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	if _, err := EncodeWAV(nil, 16000); err == nil {
		t.Error("expected error for empty samples")
	}
	if _, err := EncodeWAV([]int16{1, 2, 3}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	if _, _, err := DecodeWAV([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short data")
	}

	data, err := EncodeWAV([]int16{1, 2, 3, 4}, 8000)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	corrupt := append([]byte{}, data...)
	copy(corrupt[0:4], "JUNK")
	if _, _, err := DecodeWAV(corrupt); err == nil {
		t.Error("expected error for missing RIFF header")
	}

	stereo := append([]byte{}, data...)
	stereo[22] = 2 // NumChannels
	if _, _, err := DecodeWAV(stereo); err == nil {
		t.Error("expected error for stereo input")
	}
}
