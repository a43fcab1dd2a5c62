package packet

import (
	"bytes"
	"errors"
	"testing"
)

// ====================================================================
// Тесты заголовка
// ====================================================================

func TestHeaderMarshalParse(t *testing.T) {
	dcid, err := GenerateConnectionID()
	if err != nil {
		t.Fatalf("GenerateConnectionID: %v", err)
	}
	scid, _ := GenerateConnectionID()

	tests := []struct {
		name    string
		pktType PacketType
	}{
		{"Initial", PacketType_INITIAL},
		{"Handshake", PacketType_HANDSHAKE},
		{"Short", PacketType_SHORT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Header{
				Type:                    tt.pktType,
				DestinationConnectionID: dcid,
				SourceConnectionID:      scid,
			}

			data := h.Marshal()

			parsed, consumed, err := ParseHeader(data)
			if err != nil {
				t.Fatalf("ParseHeader: %v", err)
			}
			if consumed != len(data) {
				t.Errorf("consumed: got %d, want %d", consumed, len(data))
			}
			if parsed.Type != tt.pktType {
				t.Errorf("Type: got %v, want %v", parsed.Type, tt.pktType)
			}
			if !bytes.Equal(parsed.DestinationConnectionID, dcid) {
				t.Errorf("DestinationConnectionID mismatch")
			}
			if !bytes.Equal(parsed.SourceConnectionID, scid) {
				t.Errorf("SourceConnectionID mismatch")
			}
		})
	}
}

func TestHeaderEmptyCIDs(t *testing.T) {
	// Пустые CID легальны на уровне кодека (short header)
	h := &Header{Type: PacketType_SHORT}
	data := h.Marshal()

	parsed, consumed, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if consumed != 3 {
		t.Errorf("consumed: got %d, want 3", consumed)
	}
	if len(parsed.DestinationConnectionID) != 0 || len(parsed.SourceConnectionID) != 0 {
		t.Errorf("CIDs should be empty")
	}
}

func TestParseHeaderMalformed(t *testing.T) {
	cid, _ := GenerateConnectionID()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0x00}},
		{"unknown type", []byte{0xff, 0x00, 0x00}},
		{"dcid length beyond buffer", []byte{0x00, 0x08, 0xaa, 0xbb}},
		{"dcid length above maximum", append([]byte{0x00, 21}, make([]byte, 30)...)},
		{"missing scid length", append([]byte{0x00, 0x08}, cid...)},
		{"scid length beyond buffer", append(append([]byte{0x00, 0x08}, cid...), 0x08, 0xaa)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseHeader(tt.data)
			if !errors.Is(err, ErrMalformedHeader) {
				t.Errorf("expected ErrMalformedHeader, got %v", err)
			}
		})
	}
}

func TestGenerateConnectionID(t *testing.T) {
	id, err := GenerateConnectionID()
	if err != nil {
		t.Fatalf("GenerateConnectionID: %v", err)
	}
	if len(id) != ConnectionIDLength {
		t.Errorf("length: got %d, want %d", len(id), ConnectionIDLength)
	}

	id2, _ := GenerateConnectionID()
	if bytes.Equal(id, id2) {
		t.Error("two generated connection IDs should not be equal")
	}
}
