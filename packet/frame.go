package packet

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ====================================================================
// Фреймы quicpath
// ====================================================================
//
// Полезная нагрузка пакета - последовательность типизированных
// фреймов. Первый байт фрейма - тег типа, по нему диспетчеризуется
// разбор. Многобайтовые целые - big-endian.
//
// | Тег  | Фрейм             | Тело                                |
// |------|-------------------|-------------------------------------|
// | 0x00 | PADDING           | нет                                 |
// | 0x18 | NEW_CONNECTION_ID | seq(2) + cid-len(1) + cid           |
// | 0x1a | PATH_CHALLENGE    | 8 случайных байт                    |
// | 0x1b | PATH_RESPONSE     | эхо 8 байт challenge                |
// | 0x1c | FILE_REQUEST      | name-len(2) + имя UTF-8             |
// | 0x1d | FILE_RESPONSE     | file-size(8) + chunk-size(4)        |
// | 0x1e | FILE_DATA         | chunk-id(4) + data-len(4) + данные  |
//
// Вместо проверки типов во время выполнения фреймы образуют
// tagged union: интерфейс Frame с конкретной структурой на каждый
// тег, диспетчеризация - switch по дискриминанту.
//
// ====================================================================

// Типы фреймов quicpath
type FrameType uint8

const (
	FrameType_PADDING           FrameType = 0x00
	FrameType_NEW_CONNECTION_ID FrameType = 0x18
	FrameType_PATH_CHALLENGE    FrameType = 0x1a
	FrameType_PATH_RESPONSE     FrameType = 0x1b
	FrameType_FILE_REQUEST      FrameType = 0x1c
	FrameType_FILE_RESPONSE     FrameType = 0x1d
	FrameType_FILE_DATA         FrameType = 0x1e
)

const (
	// PathChallengeSize - размер данных PATH_CHALLENGE/PATH_RESPONSE
	PathChallengeSize = 8
)

var (
	// ErrUnknownFrame - тег фрейма вне перечисления
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrShortFrame - заявленная длина фрейма выходит за буфер
	ErrShortFrame = errors.New("frame too short")
)

// Frame - общий интерфейс всех фреймов
type Frame interface {
	// FrameType возвращает тег типа фрейма
	FrameType() FrameType

	// Marshal сериализует фрейм в байты, включая тег
	Marshal() []byte
}

// PaddingFrame - фрейм PADDING, тела не имеет
type PaddingFrame struct{}

func (f *PaddingFrame) FrameType() FrameType { return FrameType_PADDING }

func (f *PaddingFrame) Marshal() []byte {
	return []byte{byte(FrameType_PADDING)}
}

// NewConnectionIDFrame - фрейм NEW_CONNECTION_ID
// Сервер сообщает клиенту свежевыделенный CID, который клиент
// должен использовать как destination CID в последующих пакетах
type NewConnectionIDFrame struct {
	// SequenceNumber - порядковый номер выданного CID
	SequenceNumber uint16

	// ConnectionID - сам Connection ID
	ConnectionID []byte
}

func (f *NewConnectionIDFrame) FrameType() FrameType { return FrameType_NEW_CONNECTION_ID }

func (f *NewConnectionIDFrame) Marshal() []byte {
	buf := make([]byte, 0, 4+len(f.ConnectionID))
	buf = append(buf, byte(FrameType_NEW_CONNECTION_ID))
	buf = binary.BigEndian.AppendUint16(buf, f.SequenceNumber)
	buf = append(buf, byte(len(f.ConnectionID)))
	buf = append(buf, f.ConnectionID...)
	return buf
}

// PathChallengeFrame - фрейм PATH_CHALLENGE
// Несёт 8 случайных байт, которые проверяемый пир обязан вернуть
// в PATH_RESPONSE с того же адреса
type PathChallengeFrame struct {
	Data [PathChallengeSize]byte
}

func (f *PathChallengeFrame) FrameType() FrameType { return FrameType_PATH_CHALLENGE }

func (f *PathChallengeFrame) Marshal() []byte {
	buf := make([]byte, 0, 1+PathChallengeSize)
	buf = append(buf, byte(FrameType_PATH_CHALLENGE))
	buf = append(buf, f.Data[:]...)
	return buf
}

// PathResponseFrame - фрейм PATH_RESPONSE, эхо данных challenge
type PathResponseFrame struct {
	Data [PathChallengeSize]byte
}

func (f *PathResponseFrame) FrameType() FrameType { return FrameType_PATH_RESPONSE }

func (f *PathResponseFrame) Marshal() []byte {
	buf := make([]byte, 0, 1+PathChallengeSize)
	buf = append(buf, byte(FrameType_PATH_RESPONSE))
	buf = append(buf, f.Data[:]...)
	return buf
}

// FileRequestFrame - запрос файла по имени
type FileRequestFrame struct {
	Filename string
}

func (f *FileRequestFrame) FrameType() FrameType { return FrameType_FILE_REQUEST }

func (f *FileRequestFrame) Marshal() []byte {
	name := []byte(f.Filename)
	buf := make([]byte, 0, 3+len(name))
	buf = append(buf, byte(FrameType_FILE_REQUEST))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	return buf
}

// FileResponseFrame - ответ на запрос файла: полный размер и
// размер чанка, которыми файл будет передан
type FileResponseFrame struct {
	FileSize  uint64
	ChunkSize uint32
}

func (f *FileResponseFrame) FrameType() FrameType { return FrameType_FILE_RESPONSE }

func (f *FileResponseFrame) Marshal() []byte {
	buf := make([]byte, 0, 13)
	buf = append(buf, byte(FrameType_FILE_RESPONSE))
	buf = binary.BigEndian.AppendUint64(buf, f.FileSize)
	buf = binary.BigEndian.AppendUint32(buf, f.ChunkSize)
	return buf
}

// FileDataFrame - один чанк содержимого файла
type FileDataFrame struct {
	ChunkID uint32
	Data    []byte
}

func (f *FileDataFrame) FrameType() FrameType { return FrameType_FILE_DATA }

func (f *FileDataFrame) Marshal() []byte {
	buf := make([]byte, 0, 9+len(f.Data))
	buf = append(buf, byte(FrameType_FILE_DATA))
	buf = binary.BigEndian.AppendUint32(buf, f.ChunkID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(f.Data)))
	buf = append(buf, f.Data...)
	return buf
}

// ParseFrames разбирает непрерывную последовательность фреймов
// Буфер должен быть исчерпан ровно: частичный хвост - ошибка
func ParseFrames(data []byte) ([]Frame, error) {
	var frames []Frame
	pos := 0

	for pos < len(data) {
		frame, n, err := parseFrame(data[pos:])
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
		pos += n
	}

	return frames, nil
}

// parseFrame разбирает один фрейм из начала буфера
// Возвращает фрейм и количество потреблённых байт
func parseFrame(data []byte) (Frame, int, error) {
	tag := FrameType(data[0])
	body := data[1:]

	switch tag {
	case FrameType_PADDING:
		return &PaddingFrame{}, 1, nil

	case FrameType_NEW_CONNECTION_ID:
		if len(body) < 3 {
			return nil, 0, fmt.Errorf("%w: NEW_CONNECTION_ID needs 3 bytes, have %d", ErrShortFrame, len(body))
		}
		seq := binary.BigEndian.Uint16(body)
		cidLen := int(body[2])
		if cidLen > MaxConnectionIDLength {
			return nil, 0, fmt.Errorf("%w: NEW_CONNECTION_ID CID length %d", ErrShortFrame, cidLen)
		}
		if 3+cidLen > len(body) {
			return nil, 0, fmt.Errorf("%w: NEW_CONNECTION_ID CID length %d, have %d", ErrShortFrame, cidLen, len(body)-3)
		}
		cid := make([]byte, cidLen)
		copy(cid, body[3:3+cidLen])
		return &NewConnectionIDFrame{SequenceNumber: seq, ConnectionID: cid}, 1 + 3 + cidLen, nil

	case FrameType_PATH_CHALLENGE:
		if len(body) < PathChallengeSize {
			return nil, 0, fmt.Errorf("%w: PATH_CHALLENGE needs %d bytes, have %d", ErrShortFrame, PathChallengeSize, len(body))
		}
		f := &PathChallengeFrame{}
		copy(f.Data[:], body[:PathChallengeSize])
		return f, 1 + PathChallengeSize, nil

	case FrameType_PATH_RESPONSE:
		if len(body) < PathChallengeSize {
			return nil, 0, fmt.Errorf("%w: PATH_RESPONSE needs %d bytes, have %d", ErrShortFrame, PathChallengeSize, len(body))
		}
		f := &PathResponseFrame{}
		copy(f.Data[:], body[:PathChallengeSize])
		return f, 1 + PathChallengeSize, nil

	case FrameType_FILE_REQUEST:
		if len(body) < 2 {
			return nil, 0, fmt.Errorf("%w: FILE_REQUEST needs 2 bytes, have %d", ErrShortFrame, len(body))
		}
		nameLen := int(binary.BigEndian.Uint16(body))
		if 2+nameLen > len(body) {
			return nil, 0, fmt.Errorf("%w: FILE_REQUEST name length %d, have %d", ErrShortFrame, nameLen, len(body)-2)
		}
		return &FileRequestFrame{Filename: string(body[2 : 2+nameLen])}, 1 + 2 + nameLen, nil

	case FrameType_FILE_RESPONSE:
		if len(body) < 12 {
			return nil, 0, fmt.Errorf("%w: FILE_RESPONSE needs 12 bytes, have %d", ErrShortFrame, len(body))
		}
		return &FileResponseFrame{
			FileSize:  binary.BigEndian.Uint64(body),
			ChunkSize: binary.BigEndian.Uint32(body[8:]),
		}, 1 + 12, nil

	case FrameType_FILE_DATA:
		if len(body) < 8 {
			return nil, 0, fmt.Errorf("%w: FILE_DATA needs 8 bytes, have %d", ErrShortFrame, len(body))
		}
		chunkID := binary.BigEndian.Uint32(body)
		dataLen := int(binary.BigEndian.Uint32(body[4:]))
		if 8+dataLen > len(body) {
			return nil, 0, fmt.Errorf("%w: FILE_DATA data length %d, have %d", ErrShortFrame, dataLen, len(body)-8)
		}
		chunk := make([]byte, dataLen)
		copy(chunk, body[8:8+dataLen])
		return &FileDataFrame{ChunkID: chunkID, Data: chunk}, 1 + 8 + dataLen, nil

	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, uint8(tag))
	}
}

// NewPathChallengeData генерирует 8 случайных байт для PATH_CHALLENGE
func NewPathChallengeData() ([PathChallengeSize]byte, error) {
	var data [PathChallengeSize]byte
	if _, err := rand.Read(data[:]); err != nil {
		return data, fmt.Errorf("generate path challenge: %w", err)
	}
	return data, nil
}
