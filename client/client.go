package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/it2konst/quicpath/connection"
	"github.com/it2konst/quicpath/packet"
	"github.com/it2konst/quicpath/transport"
)

// ====================================================================
// Клиент quicpath
// ====================================================================
//
// Клиент поднимает UDP-эндпоинт на каждом обнаруженном интерфейсе,
// устанавливает одно соединение с сервером и умеет:
//   - запрашивать файл и собирать его из FILE_DATA чанков
//   - мигрировать соединение на другой интерфейс без пересогласования
//
// Клиент реализует connection.Handler: события файлового обмена
// приходят колбэками из цикла приёма эндпоинта.
//
// Сборка файла опирается на chunk_id без детекции дыр
// и ретрансмиссий - известное ограничение этой системы.
//
// ====================================================================

const (
	// HandshakeTimeout - окно ожидания установления соединения
	HandshakeTimeout = 10 * time.Second

	// InitialRetransmitInterval - интервал ретрансмита Initial
	// (фиксированный, без экспоненциального backoff)
	InitialRetransmitInterval = 2 * time.Second

	// MaxInitialAttempts - максимум отправок Initial
	MaxInitialAttempts = 3

	// TransferTimeout - окно ожидания завершения передачи файла
	TransferTimeout = 300 * time.Second
)

var (
	// ErrTransferTimeout - файл не передался в отведённое окно
	ErrTransferTimeout = errors.New("file transfer timeout")

	// ErrNoInterfaces - не найдено ни одного пригодного интерфейса
	ErrNoInterfaces = errors.New("no suitable network interfaces found")

	// ErrUnknownInterface - миграция на несуществующий интерфейс
	ErrUnknownInterface = errors.New("interface not found")

	// ErrNotEstablished - операция требует установленного соединения
	ErrNotEstablished = errors.New("connection not established")
)

// fileTransfer - состояние приёма одного файла
type fileTransfer struct {
	size      uint64
	chunkSize uint32
	started   time.Time
	chunks    map[uint32][]byte
	received  uint64
	complete  bool
	done      chan struct{}
}

// TransferReport - итог завершённой передачи
type TransferReport struct {
	Filename   string        `json:"filename"`
	Bytes      uint64        `json:"bytes"`
	Chunks     int           `json:"chunks"`
	Elapsed    time.Duration `json:"elapsed"`
	Throughput float64       `json:"throughputMBps"`
}

// Client - клиент quicpath
type Client struct {
	connection.NopHandler

	serverAddr *net.UDPAddr

	mu         sync.Mutex
	interfaces map[string]*NetworkInterface
	active     *NetworkInterface
	conn       *connection.Connection

	// receiving - имя файла → состояние приёма
	// В этой системе одновременно идёт одна передача, имя служит
	// ключом отчётности
	receiving map[string]*fileTransfer
	current   string

	logger logrus.FieldLogger
}

// New создаёт клиент для сервера (host, port)
func New(serverHost string, serverPort int, logger logrus.FieldLogger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		serverAddr: &net.UDPAddr{IP: net.ParseIP(serverHost), Port: serverPort},
		interfaces: make(map[string]*NetworkInterface),
		receiving:  make(map[string]*fileTransfer),
		logger:     logger,
	}
}

// Start обнаруживает интерфейсы, поднимает эндпоинты и выполняет
// хэндшейк. Initial отправляется до MaxInitialAttempts раз (первая
// отправка плюс ретрансмиты) с фиксированным интервалом; если
// соединение не установилось
// за HandshakeTimeout - ErrHandshakeTimeout.
func (c *Client) Start(ctx context.Context) error {
	ifaces, err := DiscoverInterfaces()
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		return ErrNoInterfaces
	}

	c.mu.Lock()
	for _, iface := range ifaces {
		c.interfaces[iface.Name] = iface
		c.logger.WithFields(logrus.Fields{"iface": iface.Name, "ip": iface.IP.String()}).Info("found interface")
	}
	c.mu.Unlock()

	for _, iface := range ifaces {
		if err := c.setupInterface(iface); err != nil {
			c.logger.WithError(err).WithField("iface", iface.Name).Warn("interface setup failed")
		}
	}

	c.mu.Lock()
	for _, iface := range ifaces {
		if iface.IsActive {
			c.active = iface
			break
		}
	}
	active := c.active
	c.mu.Unlock()

	if active == nil {
		return ErrNoInterfaces
	}
	c.logger.WithField("iface", active.Name).Info("selected active interface")

	// Создаём соединение и регистрируем его на всех эндпоинтах:
	// после миграции ответы сервера должны находить его с любого
	// сокета
	cid, err := packet.GenerateConnectionID()
	if err != nil {
		return err
	}
	conn, err := connection.New(cid, true, c, c.logger)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	for _, iface := range c.interfaces {
		if iface.IsActive {
			iface.Endpoint.RegisterConnection(conn)
		}
	}
	c.mu.Unlock()

	conn.EnsurePath(active.Endpoint.LocalAddr(), c.serverAddr, active.Endpoint.Send)

	if err := conn.StartHandshake(); err != nil {
		return err
	}

	// Ретрансмит Initial с фиксированным интервалом
	ticker := time.NewTicker(InitialRetransmitInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(HandshakeTimeout)
	defer deadline.Stop()

	attempts := 1
	for {
		select {
		case <-conn.Established():
			c.logger.Info("connection established")
			return nil
		case <-ticker.C:
			if attempts >= MaxInitialAttempts {
				continue
			}
			attempts++
			c.logger.WithField("attempt", attempts).Info("retransmitting Initial")
			if err := conn.StartHandshake(); err != nil {
				c.logger.WithError(err).Warn("Initial retransmit failed")
			}
		case <-deadline.C:
			return connection.ErrHandshakeTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setupInterface поднимает эндпоинт на интерфейсе
// Клиент биндится на (IP интерфейса, 0) - порт выбирает система
func (c *Client) setupInterface(iface *NetworkInterface) error {
	ep, err := transport.Listen(iface.IP.String(), 0, c, c.logger, transport.Options{})
	if err != nil {
		return fmt.Errorf("setup interface %s: %w", iface.Name, err)
	}

	c.mu.Lock()
	iface.Endpoint = ep
	iface.IsActive = true
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{"iface": iface.Name, "addr": ep.LocalAddr().String()}).Info("interface ready")
	return nil
}

// Connection возвращает соединение клиента (nil до Start)
func (c *Client) Connection() *connection.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Interfaces возвращает имена обнаруженных интерфейсов
func (c *Client) Interfaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.interfaces))
	for name := range c.interfaces {
		names = append(names, name)
	}
	return names
}

// ====================================================================
// Передача файла
// ====================================================================

// RequestFile запрашивает файл и блокируется до завершения приёма
// или таймаута. Возвращает отчёт о передаче.
func (c *Client) RequestFile(ctx context.Context, filename string) (*TransferReport, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || !conn.IsEstablished() {
		c.mu.Unlock()
		return nil, ErrNotEstablished
	}

	transfer := &fileTransfer{
		started: time.Now(),
		chunks:  make(map[uint32][]byte),
		done:    make(chan struct{}),
	}
	c.receiving[filename] = transfer
	c.current = filename
	c.mu.Unlock()

	c.logger.WithField("file", filename).Info("requesting file")

	err := c.sendWithRetry(ctx, conn, []packet.Frame{&packet.FileRequestFrame{Filename: filename}})
	if err != nil {
		return nil, fmt.Errorf("send file request: %w", err)
	}

	select {
	case <-transfer.done:
	case <-time.After(TransferTimeout):
		c.mu.Lock()
		delete(c.receiving, filename)
		c.mu.Unlock()
		return nil, ErrTransferTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.receiving, filename)
		c.mu.Unlock()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	elapsed := time.Since(transfer.started)
	report := &TransferReport{
		Filename: filename,
		Bytes:    transfer.received,
		Chunks:   len(transfer.chunks),
		Elapsed:  elapsed,
	}
	if elapsed > 0 {
		report.Throughput = float64(transfer.received) / (1024 * 1024) / elapsed.Seconds()
	}
	delete(c.receiving, filename)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"file":    report.Filename,
		"bytes":   report.Bytes,
		"chunks":  report.Chunks,
		"elapsed": report.Elapsed.Seconds(),
		"MBps":    report.Throughput,
	}).Info("file transfer complete")

	return report, nil
}

// sendWithRetry повторяет отправку при заполненном окне CUBIC
func (c *Client) sendWithRetry(ctx context.Context, conn *connection.Connection, frames []packet.Frame) error {
	for {
		err := conn.SendFrames(frames)
		if !errors.Is(err, connection.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// FileBytes возвращает собранное содержимое файла
// Чанки склеиваются по chunk_id; дыры не детектируются
func (c *Client) FileBytes(filename string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	transfer, ok := c.receiving[filename]
	if !ok {
		return nil
	}

	var maxID uint32
	for id := range transfer.chunks {
		if id > maxID {
			maxID = id
		}
	}

	var out []byte
	for id := uint32(0); id <= maxID; id++ {
		out = append(out, transfer.chunks[id]...)
	}
	return out
}

// ====================================================================
// Миграция
// ====================================================================

// MigrateTo мигрирует соединение на интерфейс ifaceName
// Блокируется до результата валидации нового пути; при таймауте
// соединение уже откатилось на прежний путь
func (c *Client) MigrateTo(ifaceName string) error {
	c.mu.Lock()
	iface, ok := c.interfaces[ifaceName]
	conn := c.conn
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifaceName)
	}
	if conn == nil {
		return ErrNotEstablished
	}

	if !iface.IsActive {
		if err := c.setupInterface(iface); err != nil {
			return err
		}
		iface.Endpoint.RegisterConnection(conn)
	}

	c.logger.WithField("iface", ifaceName).Info("starting connection migration")

	done, err := conn.MigrateTo(iface.Endpoint.LocalAddr(), iface.Endpoint.Send)
	if err != nil {
		return err
	}

	if err := <-done; err != nil {
		return err
	}

	c.mu.Lock()
	c.active = iface
	c.mu.Unlock()

	c.logger.WithField("iface", ifaceName).Info("migration complete, connection ID unchanged")
	return nil
}

// CongestionStats возвращает статистику соединения клиента
func (c *Client) CongestionStats() (connection.Stats, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return connection.Stats{}, ErrNotEstablished
	}
	return conn.CongestionStats(), nil
}

// Close закрывает соединение и все эндпоинты клиента
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	for _, iface := range c.interfaces {
		if iface.Endpoint != nil {
			iface.Endpoint.Close()
		}
	}
}

// ====================================================================
// connection.Handler
// ====================================================================

// OnHandshakeComplete вызывается при установлении соединения
func (c *Client) OnHandshakeComplete(conn *connection.Connection) {
	c.logger.Info("handshake complete")
}

// OnFileResponse фиксирует размеры начинающейся передачи
func (c *Client) OnFileResponse(conn *connection.Connection, frame *packet.FileResponseFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	transfer, ok := c.receiving[c.current]
	if !ok {
		c.logger.Warn("FILE_RESPONSE without a pending request")
		return
	}

	transfer.size = frame.FileSize
	transfer.chunkSize = frame.ChunkSize
	transfer.started = time.Now()

	c.logger.WithFields(logrus.Fields{
		"size":      frame.FileSize,
		"chunkSize": frame.ChunkSize,
	}).Info("file transfer started")
}

// OnFileData принимает очередной чанк
// Каждый принятый чанк подтверждается пустым short пакетом:
// в упрощённой модели подтверждений входящий пакет сервера
// подтверждает его самый старый пакет в полёте
func (c *Client) OnFileData(conn *connection.Connection, frame *packet.FileDataFrame) {
	c.mu.Lock()

	transfer, ok := c.receiving[c.current]
	if !ok {
		c.mu.Unlock()
		return
	}

	if _, dup := transfer.chunks[frame.ChunkID]; !dup {
		transfer.chunks[frame.ChunkID] = frame.Data
		transfer.received += uint64(len(frame.Data))
	}

	finished := !transfer.complete && transfer.size > 0 && transfer.received >= transfer.size
	if finished {
		transfer.complete = true
	}
	c.mu.Unlock()

	// Элиситор подтверждений
	if active := conn.ActivePath(); active != nil {
		if err := conn.SendImmediate([]packet.Frame{&packet.PaddingFrame{}}, active.PeerAddr); err != nil {
			c.logger.WithError(err).Debug("ack elicitor send failed")
		}
	}

	if finished {
		close(transfer.done)
	}
}
