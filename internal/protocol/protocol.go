package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Protocol constants
const (
	// Packet types
	PacketTypeSignaling = 0x01
	PacketTypeAudio     = 0x02

	// Signaling events
	EventStreamStart = 0x01
	EventStreamStop  = 0x02

	// Packet structure sizes
	HeaderSize             = 12 // 1 + 2 + 1 + 8 bytes
	SignalingPayloadSize   = 9  // 1 + 8 bytes
	AudioPayloadHeaderSize = 12 // Sequence (4) + capture timestamp (8)

	DeviceIDSize = 8
)

// Header represents the 12-byte packet header
// Layout: [PacketType:1][PacketLen:2][Reserved:1][DeviceID:8]
type Header struct {
	PacketType uint8               // 0x01=Signaling, 0x02=Audio
	PacketLen  uint16              // Total packet size (header + payload)
	DeviceID   [DeviceIDSize]byte  // Opaque device identifier
}

// DeviceIDString renders the device identifier as lowercase hex, the form
// used in logs, storage, and the operator API.
func (h *Header) DeviceIDString() string {
	return hex.EncodeToString(h.DeviceID[:])
}

// SignalingPayload represents the 9-byte signaling packet payload
// Layout: [Event:1][Timestamp:8]
type SignalingPayload struct {
	Event     uint8  // 0x01=stream start, 0x02=stream stop
	Timestamp uint64 // Unix milliseconds
}

// Time converts the payload timestamp to a time.Time.
func (p *SignalingPayload) Time() time.Time {
	return time.UnixMilli(int64(p.Timestamp))
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][CaptureTS:8][PCM data:N]
type AudioPayload struct {
	Sequence  uint32 // Frame sequence number
	CaptureTS uint64 // Capture timestamp, Unix milliseconds
	AudioData []byte // PCM-16 mono audio data (variable length)
}

// CaptureTime converts the capture timestamp to a time.Time.
func (p *AudioPayload) CaptureTime() time.Time {
	return time.UnixMilli(int64(p.CaptureTS))
}

// ParsedPacket represents a fully parsed ingress packet
type ParsedPacket struct {
	Header    *Header
	Signaling *SignalingPayload // Only set for signaling packets
	Audio     *AudioPayload     // Only set for audio packets
}

// ParseHeader parses the 12-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
	}
	copy(header.DeviceID[:], data[4:4+DeviceIDSize])

	return header, nil
}

// ParseSignalingPayload parses the 9-byte signaling packet payload
func ParseSignalingPayload(data []byte) (*SignalingPayload, error) {
	if len(data) < SignalingPayloadSize {
		return nil, fmt.Errorf("signaling payload too short: expected %d bytes, got %d",
			SignalingPayloadSize, len(data))
	}

	payload := &SignalingPayload{
		Event:     data[0],
		Timestamp: binary.BigEndian.Uint64(data[1:9]),
	}

	if payload.Event != EventStreamStart && payload.Event != EventStreamStop {
		return nil, fmt.Errorf("unknown signaling event: 0x%02x", payload.Event)
	}

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence:  binary.BigEndian.Uint32(data[0:4]),
		CaptureTS: binary.BigEndian.Uint64(data[4:12]),
	}

	// PCM-16 frames must carry an even number of bytes
	audioLen := len(data) - AudioPayloadHeaderSize
	if audioLen%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even, got %d bytes", audioLen)
	}

	if audioLen > 0 {
		payload.AudioData = make([]byte, audioLen)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete ingress packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	packet := &ParsedPacket{Header: header}

	switch header.PacketType {
	case PacketTypeSignaling:
		payload, err := ParseSignalingPayload(data[HeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse signaling payload: %w", err)
		}
		packet.Signaling = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(data[HeaderSize:])
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	default:
		return nil, fmt.Errorf("unknown packet type: 0x%02x", header.PacketType)
	}

	return packet, nil
}

// BuildSignalingPacket encodes a signaling packet. Used by the stub tools and
// tests; the service itself only parses.
func BuildSignalingPacket(deviceID [DeviceIDSize]byte, event uint8, ts time.Time) []byte {
	buf := make([]byte, HeaderSize+SignalingPayloadSize)
	buf[0] = PacketTypeSignaling
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	copy(buf[4:12], deviceID[:])
	buf[HeaderSize] = event
	binary.BigEndian.PutUint64(buf[HeaderSize+1:], uint64(ts.UnixMilli()))
	return buf
}

// BuildAudioPacket encodes an audio packet.
func BuildAudioPacket(deviceID [DeviceIDSize]byte, sequence uint32, ts time.Time, pcm []byte) []byte {
	buf := make([]byte, HeaderSize+AudioPayloadHeaderSize+len(pcm))
	buf[0] = PacketTypeAudio
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	copy(buf[4:12], deviceID[:])
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	binary.BigEndian.PutUint64(buf[HeaderSize+4:], uint64(ts.UnixMilli()))
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf
}
