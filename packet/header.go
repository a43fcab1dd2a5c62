package packet

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// ====================================================================
// Заголовок пакета quicpath
// ====================================================================
//
// Пакет quicpath использует упрощённый QUIC-подобный заголовок.
// В отличие от RFC 9000 все три типа заголовка имеют одинаковую
// раскладку на проводе:
//
// +--------+----------+--------+----------+--------+
// | Type   | DCID Len | DCID   | SCID Len | SCID   |
// | 1 byte | 1 byte   | N bytes| 1 byte   | M bytes|
// +--------+----------+--------+----------+--------+
//
// Type:
//   0x00 = INITIAL   - первый пакет клиента (long header)
//   0x02 = HANDSHAKE - ответ сервера на хэндшейк (long header)
//   0x40 = SHORT     - все пакеты после установления соединения
//
// Connection ID:
//   Длина в этой системе - 8 байт, верхняя граница - 20 байт
//   (как в QUIC), чтобы отсечь патологические значения длины.
//   CID переживает смену сетевого адреса - именно это свойство
//   делает возможной миграцию соединения.
//
// ====================================================================

// Типы пакетов quicpath
type PacketType uint8

const (
	// PacketType_INITIAL - первый пакет соединения (от клиента)
	PacketType_INITIAL PacketType = 0x00

	// PacketType_HANDSHAKE - ответ сервера при хэндшейке
	PacketType_HANDSHAKE PacketType = 0x02

	// PacketType_SHORT - пакет установленного соединения
	PacketType_SHORT PacketType = 0x40
)

const (
	// ConnectionIDLength - длина Connection ID в этой системе
	ConnectionIDLength = 8

	// MaxConnectionIDLength - максимально допустимая длина CID
	// Значения больше отклоняются при разборе заголовка
	MaxConnectionIDLength = 20
)

// ErrMalformedHeader - заголовок не удалось разобрать:
// буфер короче минимума, неизвестный тип пакета или поле длины
// CID выходит за границы буфера
var ErrMalformedHeader = errors.New("malformed header")

// Header - заголовок пакета quicpath
//
// Long-заголовки (Initial, Handshake) несут оба Connection ID.
// Short-заголовок в этой системе сериализуется так же, поэтому
// структура одна на все типы.
type Header struct {
	// Type - тип пакета
	Type PacketType

	// DestinationConnectionID - CID получателя
	DestinationConnectionID []byte

	// SourceConnectionID - CID отправителя
	SourceConnectionID []byte
}

// Marshal сериализует заголовок в байты
// Отсутствующий CID кодируется как пустая строка байт (длина 0)
func (h *Header) Marshal() []byte {
	buf := make([]byte, 0, 2+len(h.DestinationConnectionID)+1+len(h.SourceConnectionID))
	buf = append(buf, byte(h.Type))
	buf = append(buf, byte(len(h.DestinationConnectionID)))
	buf = append(buf, h.DestinationConnectionID...)
	buf = append(buf, byte(len(h.SourceConnectionID)))
	buf = append(buf, h.SourceConnectionID...)
	return buf
}

// ParseHeader разбирает заголовок из начала буфера
// Возвращает заголовок и количество потреблённых байт
func ParseHeader(data []byte) (*Header, int, error) {
	if len(data) < 2 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}

	var pktType PacketType
	switch PacketType(data[0]) {
	case PacketType_INITIAL, PacketType_HANDSHAKE, PacketType_SHORT:
		pktType = PacketType(data[0])
	default:
		return nil, 0, fmt.Errorf("%w: unknown packet type 0x%02x", ErrMalformedHeader, data[0])
	}
	pos := 1

	dcid, n, err := parseConnectionID(data[pos:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: destination CID: %v", ErrMalformedHeader, err)
	}
	pos += n

	scid, n, err := parseConnectionID(data[pos:])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: source CID: %v", ErrMalformedHeader, err)
	}
	pos += n

	return &Header{
		Type:                    pktType,
		DestinationConnectionID: dcid,
		SourceConnectionID:      scid,
	}, pos, nil
}

// parseConnectionID читает length-prefixed CID из начала буфера
func parseConnectionID(data []byte) ([]byte, int, error) {
	if len(data) < 1 {
		return nil, 0, errors.New("missing length byte")
	}

	cidLen := int(data[0])
	if cidLen > MaxConnectionIDLength {
		return nil, 0, fmt.Errorf("CID length %d exceeds maximum %d", cidLen, MaxConnectionIDLength)
	}
	if 1+cidLen > len(data) {
		return nil, 0, fmt.Errorf("CID length %d exceeds remaining buffer %d", cidLen, len(data)-1)
	}

	cid := make([]byte, cidLen)
	copy(cid, data[1:1+cidLen])
	return cid, 1 + cidLen, nil
}

// GenerateConnectionID генерирует криптографически случайный Connection ID
func GenerateConnectionID() ([]byte, error) {
	id := make([]byte, ConnectionIDLength)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate connection ID: %w", err)
	}
	return id, nil
}

// IsLongHeader сообщает, является ли тип пакета long-заголовком
// Long-заголовки используются только до установления соединения
func (t PacketType) IsLongHeader() bool {
	return t == PacketType_INITIAL || t == PacketType_HANDSHAKE
}

// String возвращает имя типа пакета для логов
func (t PacketType) String() string {
	switch t {
	case PacketType_INITIAL:
		return "INITIAL"
	case PacketType_HANDSHAKE:
		return "HANDSHAKE"
	case PacketType_SHORT:
		return "SHORT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}
