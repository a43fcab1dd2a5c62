package server

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/it2konst/quicpath/connection"
	"github.com/it2konst/quicpath/packet"
	"github.com/it2konst/quicpath/transport"
)

// ====================================================================
// Сервер quicpath
// ====================================================================
//
// Сервер слушает один UDP-порт, принимает соединения и отдаёт
// файлы из FileSource. На FILE_REQUEST уходит FILE_RESPONSE
// с размером файла и чанка, затем поток FILE_DATA.
//
// Каждая отправка FILE_DATA проходит гейт CUBIC соединения:
// при заполненном окне отправка коротко откладывается
// и повторяется. Очереди отправки нет - backpressure живёт здесь.
//
// ====================================================================

const (
	// DefaultChunkSize - размер чанка FILE_DATA
	DefaultChunkSize = 8192

	// wouldBlockRetryDelay - пауза перед повтором при заполненном
	// окне CUBIC
	wouldBlockRetryDelay = 2 * time.Millisecond

	// serveDeadline - общий лимит на отдачу одного файла
	serveDeadline = 300 * time.Second
)

// Config - конфигурация сервера
type Config struct {
	// BindHost - адрес, на котором слушать
	BindHost string `json:"bindHost"`

	// BindPort - UDP-порт
	BindPort int `json:"bindPort"`

	// ChunkSize - размер чанка FILE_DATA
	ChunkSize uint32 `json:"chunkSize"`

	// AllocateServerCID - выделять свежий серверный CID вместо
	// адопции клиентского (см. transport.Options)
	AllocateServerCID bool `json:"allocateServerCid"`
}

// DefaultConfig возвращает конфигурацию сервера по умолчанию
func DefaultConfig() *Config {
	return &Config{
		BindHost:  "0.0.0.0",
		BindPort:  5000,
		ChunkSize: DefaultChunkSize,
	}
}

// Validate чинит некорректные значения конфигурации
func (c *Config) Validate() error {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	// Порт 0 легален: система выбирает эфемерный
	if c.BindPort < 0 || c.BindPort > 65535 {
		c.BindPort = 5000
	}
	if c.ChunkSize == 0 || c.ChunkSize > 60000 {
		c.ChunkSize = DefaultChunkSize
	}
	return nil
}

// Server - сервер quicpath
type Server struct {
	connection.NopHandler

	config   *Config
	endpoint *transport.Endpoint
	source   FileSource
	logger   logrus.FieldLogger
}

// New создаёт сервер и поднимает его эндпоинт
func New(config *Config, source FileSource, logger logrus.FieldLogger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		config: config,
		source: source,
		logger: logger,
	}

	ep, err := transport.Listen(config.BindHost, config.BindPort, s, logger, transport.Options{
		AllocateServerCID:   config.AllocateServerCID,
		ReapIdleConnections: true,
	})
	if err != nil {
		return nil, err
	}
	s.endpoint = ep

	logger.WithField("addr", ep.LocalAddr().String()).Info("quicpath server started")
	return s, nil
}

// Endpoint возвращает UDP-эндпоинт сервера
func (s *Server) Endpoint() *transport.Endpoint { return s.endpoint }

// Close останавливает сервер
func (s *Server) Close() error {
	return s.endpoint.Close()
}

// OnHandshakeComplete вызывается при установлении соединения
func (s *Server) OnHandshakeComplete(conn *connection.Connection) {
	s.logger.Info("client connection established")
}

// OnFileRequest обрабатывает запрос файла
// Отдача идёт в отдельной горутине: цикл приёма эндпоинта
// не должен блокироваться на время передачи
func (s *Server) OnFileRequest(conn *connection.Connection, frame *packet.FileRequestFrame, addr *net.UDPAddr) {
	s.logger.WithFields(logrus.Fields{
		"file": frame.Filename,
		"addr": addr.String(),
	}).Info("received FILE_REQUEST")

	go s.serveFile(conn, frame.Filename)
}

// serveFile отдаёт файл по соединению
func (s *Server) serveFile(conn *connection.Connection, filename string) {
	reader, size, err := s.source.Open(filename)
	if err != nil {
		s.logger.WithError(err).WithField("file", filename).Error("open requested file failed")
		return
	}
	defer reader.Close()

	deadline := time.Now().Add(serveDeadline)

	response := &packet.FileResponseFrame{
		FileSize:  uint64(size),
		ChunkSize: s.config.ChunkSize,
	}
	if err := s.sendGated(conn, []packet.Frame{response}, deadline); err != nil {
		s.logger.WithError(err).WithField("file", filename).Error("send FILE_RESPONSE failed")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"file":      filename,
		"size":      size,
		"chunkSize": s.config.ChunkSize,
	}).Info("file transfer started")

	buf := make([]byte, s.config.ChunkSize)
	chunkID := uint32(0)

	for {
		n, err := io.ReadFull(reader, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			frame := &packet.FileDataFrame{ChunkID: chunkID, Data: chunk}
			if err := s.sendGated(conn, []packet.Frame{frame}, deadline); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"file":  filename,
					"chunk": chunkID,
				}).Error("send FILE_DATA failed, aborting transfer")
				return
			}
			chunkID++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			s.logger.WithError(err).WithField("file", filename).Error("read file failed")
			return
		}
	}

	s.logger.WithFields(logrus.Fields{
		"file":   filename,
		"chunks": chunkID,
	}).Info("file transfer finished")
}

// sendGated отправляет фреймы, повторяя при заполненном окне CUBIC
func (s *Server) sendGated(conn *connection.Connection, frames []packet.Frame, deadline time.Time) error {
	for {
		err := conn.SendFrames(frames)
		if !errors.Is(err, connection.ErrWouldBlock) {
			return err
		}
		if time.Now().After(deadline) {
			return connection.ErrWouldBlock
		}
		time.Sleep(wouldBlockRetryDelay)
	}
}
