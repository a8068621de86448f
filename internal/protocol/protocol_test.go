package protocol

import (
	"bytes"
	"testing"
	"time"
)

var testDevice = [DeviceIDSize]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x11, 0x22, 0x33}

func TestParseSignalingPacket(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	data := BuildSignalingPacket(testDevice, EventStreamStart, ts)

	packet, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}

	if packet.Header.PacketType != PacketTypeSignaling {
		t.Errorf("expected signaling packet type, got 0x%02x", packet.Header.PacketType)
	}
	if packet.Header.DeviceIDString() != "deadbeef00112233" {
		t.Errorf("unexpected device id %q", packet.Header.DeviceIDString())
	}
	if packet.Signaling == nil {
		t.Fatal("signaling payload not set")
	}
	if packet.Signaling.Event != EventStreamStart {
		t.Errorf("expected start event, got 0x%02x", packet.Signaling.Event)
	}
	if !packet.Signaling.Time().Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, packet.Signaling.Time())
	}
	if packet.Audio != nil {
		t.Error("audio payload should not be set for signaling packet")
	}
}

func TestParseAudioPacket(t *testing.T) {
	ts := time.UnixMilli(1700000000500)
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	data := BuildAudioPacket(testDevice, 42, ts, pcm)

	packet, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket failed: %v", err)
	}

	if packet.Audio == nil {
		t.Fatal("audio payload not set")
	}
	if packet.Audio.Sequence != 42 {
		t.Errorf("expected sequence 42, got %d", packet.Audio.Sequence)
	}
	if !packet.Audio.CaptureTime().Equal(ts) {
		t.Errorf("expected capture time %v, got %v", ts, packet.Audio.CaptureTime())
	}
	if !bytes.Equal(packet.Audio.AudioData, pcm) {
		t.Errorf("audio data mismatch: got %v", packet.Audio.AudioData)
	}
}

func TestParsePacketErrors(t *testing.T) {
	start := BuildSignalingPacket(testDevice, EventStreamStart, time.Now())

	truncatedLen := make([]byte, len(start))
	copy(truncatedLen, start)
	truncatedLen[2] = 0xFF // wrong declared length

	badType := make([]byte, len(start))
	copy(badType, start)
	badType[0] = 0x7F

	badEvent := make([]byte, len(start))
	copy(badEvent, start)
	badEvent[HeaderSize] = 0x42

	oddAudio := BuildAudioPacket(testDevice, 1, time.Now(), []byte{0x01, 0x02, 0x03})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty packet", nil},
		{"short header", []byte{0x01, 0x00}},
		{"length mismatch", truncatedLen},
		{"unknown type", badType},
		{"unknown signaling event", badEvent},
		{"odd audio byte count", oddAudio},
		{"audio payload too short", append([]byte{PacketTypeAudio, 0x00, 0x0E, 0x00}, make([]byte, 10)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePacket(tt.data); err == nil {
				t.Errorf("expected parse error for %s", tt.name)
			}
		})
	}
}

func TestBuildPacketLengths(t *testing.T) {
	sig := BuildSignalingPacket(testDevice, EventStreamStop, time.Now())
	if len(sig) != HeaderSize+SignalingPayloadSize {
		t.Errorf("unexpected signaling packet size %d", len(sig))
	}

	audio := BuildAudioPacket(testDevice, 7, time.Now(), make([]byte, 320))
	if len(audio) != HeaderSize+AudioPayloadHeaderSize+320 {
		t.Errorf("unexpected audio packet size %d", len(audio))
	}
}
