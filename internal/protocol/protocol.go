package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
)

// Protocol constants
const (
	// Packet types
	PacketTypeBegin = 0x01 // PTT key pressed
	PacketTypeAudio = 0x02
	PacketTypeEnd   = 0x03 // PTT key released

	// Audio encodings
	EncodingPCM16LE = 0x01

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	BeginPayloadSize       = 40 // 32 + 4 + 4 bytes
	EndPayloadSize         = 4
	AudioPayloadHeaderSize = 4 // Sequence number (4 bytes)

	DeviceNameSize = 32
	MaxPacketSize  = 0xFFFF

	// MaxAudioSamples is the largest PCM-16 frame one audio packet can carry
	MaxAudioSamples = (MaxPacketSize - HeaderSize - AudioPayloadHeaderSize) / 2
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][SourceID:4][Encoding:1]
type Header struct {
	PacketType uint8  // 0x01=Begin, 0x02=Audio, 0x03=End
	PacketLen  uint16 // Total packet size (header + payload)
	SourceID   uint32 // Transmitting device
	Encoding   uint8  // 0x01=PCM16LE
}

// BeginPayload represents the 40-byte begin packet payload
// Layout: [DeviceName:32][SampleRate:4][Timestamp:4]
type BeginPayload struct {
	DeviceName [DeviceNameSize]byte // Null-terminated string
	SampleRate uint32               // Hz of the audio that follows
	Timestamp  uint32               // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number within the session
	AudioData []byte // PCM16LE samples
}

// EndPayload represents the 4-byte end packet payload
// Layout: [Timestamp:4]
type EndPayload struct {
	Timestamp uint32
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Begin  *BeginPayload // Only set for begin packets
	Audio  *AudioPayload // Only set for audio packets
	End    *EndPayload   // Only set for end packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		SourceID:   binary.BigEndian.Uint32(data[3:7]),
		Encoding:   data[7],
	}, nil
}

// ParseBeginPayload parses the 40-byte begin packet payload
func ParseBeginPayload(data []byte) (*BeginPayload, error) {
	if len(data) < BeginPayloadSize {
		return nil, fmt.Errorf("begin payload too short: expected %d bytes, got %d",
			BeginPayloadSize, len(data))
	}

	payload := &BeginPayload{
		SampleRate: binary.BigEndian.Uint32(data[DeviceNameSize : DeviceNameSize+4]),
		Timestamp:  binary.BigEndian.Uint32(data[DeviceNameSize+4 : DeviceNameSize+8]),
	}
	copy(payload.DeviceName[:], data[:DeviceNameSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParseEndPayload parses the 4-byte end packet payload
func ParseEndPayload(data []byte) (*EndPayload, error) {
	if len(data) < EndPayloadSize {
		return nil, fmt.Errorf("end payload too short: expected %d bytes, got %d", EndPayloadSize, len(data))
	}
	return &EndPayload{Timestamp: binary.BigEndian.Uint32(data[0:4])}, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: expected at least %d bytes, got %d", HeaderSize, len(data))
	}

	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeBegin:
		payload, err := ParseBeginPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse begin payload: %w", err)
		}
		packet.Begin = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload

	case PacketTypeEnd:
		payload, err := ParseEndPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end payload: %w", err)
		}
		packet.End = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if !IsValidEncoding(header.Encoding) {
		return fmt.Errorf("invalid encoding: 0x%02x", header.Encoding)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeBegin:
		if payloadSize != BeginPayloadSize {
			return fmt.Errorf("begin packet payload size mismatch: expected %d, got %d",
				BeginPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio data must hold whole PCM16 samples, got %d bytes",
				payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeEnd:
		if payloadSize != EndPayloadSize {
			return fmt.Errorf("end packet payload size mismatch: expected %d, got %d",
				EndPayloadSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeBegin || ptype == PacketTypeAudio || ptype == PacketTypeEnd
}

// IsValidEncoding checks if the audio encoding is supported
func IsValidEncoding(enc uint8) bool {
	return enc == EncodingPCM16LE
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetDeviceName extracts the device name as a string
func (b *BeginPayload) GetDeviceName() string {
	return ExtractString(b.DeviceName[:])
}

// Samples decodes the audio data as PCM-16
func (a *AudioPayload) Samples() ([]int16, error) {
	return audio.PCM16FromBytes(a.AudioData)
}

func putHeader(buf []byte, ptype uint8, sourceID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], sourceID)
	buf[7] = EncodingPCM16LE
}

// EncodeBegin builds a begin packet. Device names longer than 31 bytes
// are truncated so the field stays null-terminated.
func EncodeBegin(sourceID uint32, deviceName string, sampleRate, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+BeginPayloadSize)
	putHeader(buf, PacketTypeBegin, sourceID)

	payload := buf[HeaderSize:]
	copy(payload[:DeviceNameSize-1], deviceName)
	binary.BigEndian.PutUint32(payload[DeviceNameSize:DeviceNameSize+4], sampleRate)
	binary.BigEndian.PutUint32(payload[DeviceNameSize+4:DeviceNameSize+8], timestamp)

	return buf
}

// EncodeAudio builds an audio packet carrying samples as PCM16LE
func EncodeAudio(sourceID, sequence uint32, samples []int16) ([]byte, error) {
	if len(samples) > MaxAudioSamples {
		return nil, fmt.Errorf("too many samples for one packet: %d (maximum %d)", len(samples), MaxAudioSamples)
	}

	buf := make([]byte, HeaderSize+AudioPayloadHeaderSize, HeaderSize+AudioPayloadHeaderSize+2*len(samples))
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	buf = append(buf, audio.PCM16ToBytes(samples)...)
	putHeader(buf, PacketTypeAudio, sourceID)

	return buf, nil
}

// EncodeEnd builds an end packet
func EncodeEnd(sourceID, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+EndPayloadSize)
	putHeader(buf, PacketTypeEnd, sourceID)
	binary.BigEndian.PutUint32(buf[HeaderSize:], timestamp)
	return buf
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeBegin:
		packetType = "Begin"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeEnd:
		packetType = "End"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, SourceID:%d, Encoding:0x%02x}",
		packetType, h.PacketLen, h.SourceID, h.Encoding)
}

// String returns a human-readable representation of the begin payload
func (b *BeginPayload) String() string {
	return fmt.Sprintf("BeginPayload{DeviceName:%q, SampleRate:%d, Timestamp:%d}",
		b.GetDeviceName(), b.SampleRate, b.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
