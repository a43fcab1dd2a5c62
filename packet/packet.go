package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ====================================================================
// Сборка и разбор пакетов
// ====================================================================
//
// Пакет на проводе:
//
// +-----------+--------------+-----------------+------------------+
// | Header    | Frames Len   | Frames          | Trailing bytes   |
// | variable  | 2 bytes (BE) | variable        | variable         |
// +-----------+--------------+-----------------+------------------+
//
// Frames Len - суммарная длина области фреймов. Байты после области
// фреймов разбором игнорируются: область зарезервирована под AEAD-тег
// и хэндшейковый материал (публичный ключ в Initial/Handshake).
//
// ====================================================================

const (
	// FramesLengthSize - размер префикса длины области фреймов
	FramesLengthSize = 2

	// MaxFramesLength - максимальная длина области фреймов,
	// ограничена шириной префикса
	MaxFramesLength = 1<<16 - 1
)

// ErrTruncatedPacket - длина области фреймов не согласуется
// с фактическим размером датаграммы
var ErrTruncatedPacket = errors.New("truncated packet")

// CreatePacket собирает датаграмму из заголовка и фреймов:
// заголовок ‖ 2-байтовая длина ‖ конкатенация фреймов
func CreatePacket(header *Header, frames []Frame) ([]byte, error) {
	framesLen := 0
	encoded := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		b := frame.Marshal()
		framesLen += len(b)
		encoded = append(encoded, b)
	}

	if framesLen > MaxFramesLength {
		return nil, fmt.Errorf("frames length %d exceeds maximum %d", framesLen, MaxFramesLength)
	}

	headerBytes := header.Marshal()
	buf := make([]byte, 0, len(headerBytes)+FramesLengthSize+framesLen)
	buf = append(buf, headerBytes...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(framesLen))
	for _, b := range encoded {
		buf = append(buf, b...)
	}

	return buf, nil
}

// ParsePacket разбирает датаграмму на заголовок и фреймы
// Третье возвращаемое значение - байты после области фреймов:
// сборщик пакетов их игнорирует, но отдаёт вызывающему
// (там живёт хэндшейковый материал)
func ParsePacket(data []byte) (*Header, []Frame, []byte, error) {
	header, consumed, err := ParseHeader(data)
	if err != nil {
		return nil, nil, nil, err
	}

	payload := data[consumed:]
	if len(payload) < FramesLengthSize {
		return nil, nil, nil, fmt.Errorf("%w: missing frames length", ErrTruncatedPacket)
	}

	framesLen := int(binary.BigEndian.Uint16(payload))
	if FramesLengthSize+framesLen > len(payload) {
		return nil, nil, nil, fmt.Errorf("%w: frames length %d, available %d",
			ErrTruncatedPacket, framesLen, len(payload)-FramesLengthSize)
	}

	frames, err := ParseFrames(payload[FramesLengthSize : FramesLengthSize+framesLen])
	if err != nil {
		return nil, nil, nil, err
	}

	trailing := payload[FramesLengthSize+framesLen:]
	return header, frames, trailing, nil
}
