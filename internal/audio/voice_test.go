package audio

import "testing"

func TestEnergyDetector(t *testing.T) {
	det := NewEnergyDetector(500)

	silence := make([]int16, 160)
	if det.Detect(silence) {
		t.Error("silence should not be detected as voice")
	}

	loud := make([]int16, 160)
	for i := range loud {
		if i%2 == 0 {
			loud[i] = 4000
		} else {
			loud[i] = -4000
		}
	}
	if !det.Detect(loud) {
		t.Error("loud signal should be detected as voice")
	}

	if det.Detect(nil) {
		t.Error("empty frame should not be detected as voice")
	}
}

func TestNullDetector(t *testing.T) {
	var det NullDetector
	loud := []int16{10000, -10000, 10000, -10000}
	if det.Detect(loud) {
		t.Error("null detector must never detect voice")
	}
}

func TestDecodeSamples(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x10}
	samples := DecodeSamples(pcm)
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	if samples[0] != 1 || samples[1] != -1 || samples[2] != 4096 {
		t.Errorf("decode mismatch: %v", samples)
	}

	// odd trailing byte is ignored
	samples = DecodeSamples([]byte{0x01, 0x00, 0x02})
	if len(samples) != 1 {
		t.Errorf("expected 1 sample with odd input, got %d", len(samples))
	}
}
