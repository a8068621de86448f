package audio

import (
	"bytes"
	"testing"
	"time"
)

func pcmFrame(value int16, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = byte(value)
		out[i*2+1] = byte(value >> 8)
	}
	return out
}

func TestBufferAcceptsOrderedFrames(t *testing.T) {
	buf := NewBuffer("deadbeef00112233", 16000)

	for seq := uint32(1); seq <= 3; seq++ {
		ok := buf.Append(Frame{Sequence: seq, CapturedAt: time.Now(), PCM: pcmFrame(100, 160)})
		if !ok {
			t.Fatalf("frame %d rejected", seq)
		}
	}

	if buf.FrameCount() != 3 {
		t.Errorf("expected 3 frames, got %d", buf.FrameCount())
	}
	if buf.LastSequence() != 3 {
		t.Errorf("expected last sequence 3, got %d", buf.LastSequence())
	}
	if buf.DroppedFrames() != 0 {
		t.Errorf("expected no drops, got %d", buf.DroppedFrames())
	}
}

func TestBufferDropsDuplicatesAndOutOfOrder(t *testing.T) {
	buf := NewBuffer("deadbeef00112233", 16000)

	buf.Append(Frame{Sequence: 5, PCM: pcmFrame(1, 10)})
	buf.Append(Frame{Sequence: 6, PCM: pcmFrame(2, 10)})

	if ok := buf.Append(Frame{Sequence: 6, PCM: pcmFrame(2, 10)}); ok {
		t.Error("duplicate sequence should be dropped")
	}
	if ok := buf.Append(Frame{Sequence: 4, PCM: pcmFrame(3, 10)}); ok {
		t.Error("out-of-order sequence should be dropped")
	}
	if ok := buf.Append(Frame{Sequence: 7, PCM: pcmFrame(4, 10)}); !ok {
		t.Error("next in-order sequence should be accepted")
	}

	if buf.FrameCount() != 3 {
		t.Errorf("expected 3 accepted frames, got %d", buf.FrameCount())
	}
	if buf.DroppedFrames() != 2 {
		t.Errorf("expected 2 dropped frames, got %d", buf.DroppedFrames())
	}
}

func TestBufferPCMConcatenation(t *testing.T) {
	buf := NewBuffer("dev", 8000)
	a := pcmFrame(10, 4)
	b := pcmFrame(-3, 4)
	buf.Append(Frame{Sequence: 1, PCM: a})
	buf.Append(Frame{Sequence: 2, PCM: b})

	want := append(append([]byte{}, a...), b...)
	if !bytes.Equal(buf.PCM(), want) {
		t.Error("PCM concatenation mismatch")
	}

	samples := buf.Samples()
	if len(samples) != 8 {
		t.Fatalf("expected 8 samples, got %d", len(samples))
	}
	if samples[0] != 10 || samples[4] != -3 {
		t.Errorf("sample decode mismatch: %v", samples)
	}
}

func TestBufferVoicedCountAndDuration(t *testing.T) {
	buf := NewBuffer("dev", 8000)
	buf.Append(Frame{Sequence: 1, PCM: pcmFrame(0, 8000), Voiced: false})
	buf.Append(Frame{Sequence: 2, PCM: pcmFrame(2000, 8000), Voiced: true})

	if buf.VoicedFrames() != 1 {
		t.Errorf("expected 1 voiced frame, got %d", buf.VoicedFrames())
	}
	if buf.Duration() != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", buf.Duration())
	}

	stats := buf.Stats()
	if stats.TotalFrames != 2 || stats.VoicedFrames != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
