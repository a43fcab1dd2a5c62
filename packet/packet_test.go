package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ====================================================================
// Тесты сборщика пакетов
// ====================================================================

func TestPacketRoundTrip(t *testing.T) {
	dcid, _ := GenerateConnectionID()
	scid, _ := GenerateConnectionID()

	header := &Header{
		Type:                    PacketType_SHORT,
		DestinationConnectionID: dcid,
		SourceConnectionID:      scid,
	}
	frames := []Frame{
		&FileRequestFrame{Filename: "movie.mp4"},
		&PaddingFrame{},
	}

	data, err := CreatePacket(header, frames)
	if err != nil {
		t.Fatalf("CreatePacket: %v", err)
	}

	parsedHeader, parsedFrames, trailing, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}

	if diff := cmp.Diff(header, parsedHeader); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(frames, parsedFrames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if len(trailing) != 0 {
		t.Errorf("trailing: got %d bytes, want 0", len(trailing))
	}
}

func TestPacketEmptyFrames(t *testing.T) {
	dcid, _ := GenerateConnectionID()
	header := &Header{
		Type:                    PacketType_INITIAL,
		DestinationConnectionID: dcid,
		SourceConnectionID:      dcid,
	}

	data, err := CreatePacket(header, nil)
	if err != nil {
		t.Fatalf("CreatePacket: %v", err)
	}

	_, frames, _, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("frames: got %d, want 0", len(frames))
	}
}

func TestPacketTrailingIgnored(t *testing.T) {
	// Байты после области фреймов зарезервированы (AEAD-тег,
	// хэндшейковый материал) и разбором игнорируются
	dcid, _ := GenerateConnectionID()
	header := &Header{
		Type:                    PacketType_INITIAL,
		DestinationConnectionID: dcid,
		SourceConnectionID:      dcid,
	}

	data, _ := CreatePacket(header, []Frame{&PaddingFrame{}})
	tail := bytes.Repeat([]byte{0x42}, 32)
	data = append(data, tail...)

	_, frames, trailing, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("frames: got %d, want 1", len(frames))
	}
	if !bytes.Equal(trailing, tail) {
		t.Errorf("trailing mismatch")
	}
}

func TestPacketTruncated(t *testing.T) {
	dcid, _ := GenerateConnectionID()
	header := &Header{
		Type:                    PacketType_SHORT,
		DestinationConnectionID: dcid,
		SourceConnectionID:      dcid,
	}

	data, _ := CreatePacket(header, []Frame{&FileResponseFrame{FileSize: 100, ChunkSize: 10}})

	// Обрезаем область фреймов: префикс длины обещает больше,
	// чем есть в датаграмме
	truncated := data[:len(data)-5]
	if _, _, _, err := ParsePacket(truncated); !errors.Is(err, ErrTruncatedPacket) {
		t.Errorf("expected ErrTruncatedPacket, got %v", err)
	}

	// Датаграмма без префикса длины
	headerOnly := header.Marshal()
	if _, _, _, err := ParsePacket(headerOnly); !errors.Is(err, ErrTruncatedPacket) {
		t.Errorf("expected ErrTruncatedPacket, got %v", err)
	}
}
