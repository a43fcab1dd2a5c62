package transport

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/it2konst/quicpath/connection"
	"github.com/it2konst/quicpath/packet"
)

// ====================================================================
// UDP-эндпоинт quicpath
// ====================================================================
//
// Эндпоинт владеет одним UDP-сокетом и картой CID → Connection.
// Каждая входящая датаграмма:
//   1. Разбирается заголовок
//   2. Поиск соединения по destination CID
//   3. Нет соединения + тип INITIAL → создаётся серверное соединение
//      Нет соединения + любой другой тип → warn и дроп
//   4. Смена адреса пира → менеджер путей (PATH_CHALLENGE)
//   5. Пакет разбирается на фреймы и уходит в соединение
//
// Ошибки разбора всегда локальны: датаграмма логируется
// и дропается, соединение живёт дальше. Ошибки сокета фатальны
// для эндпоинта.
//
// Send пишет в сокет напрямую, без гейта CUBIC: сокет общий для
// всех соединений, гейтинг происходит внутри Connection до
// передачи данных эндпоинту.
//
// ====================================================================

const (
	// MaxDatagramSize - размер буфера приёма датаграмм
	MaxDatagramSize = 65535

	// socketBufferSize - размер буферов сокета
	socketBufferSize = 4 * 1024 * 1024

	// cleanupInterval - период чистки простаивающих соединений
	cleanupInterval = 30 * time.Second

	// connectionIdleTimeout - простой, после которого серверное
	// соединение считается мёртвым
	connectionIdleTimeout = 5 * time.Minute
)

// Options - настройки эндпоинта
type Options struct {
	// AllocateServerCID - сервер выделяет себе свежий CID вместо
	// адопции destination CID из клиентского Initial (как требует
	// RFC 9000) и анонсирует его через NEW_CONNECTION_ID.
	// По умолчанию выключено: исторически сервер адоптирует CID,
	// выбранный клиентом.
	AllocateServerCID bool

	// ReapIdleConnections - включает чистку простаивающих
	// соединений (используется на сервере)
	ReapIdleConnections bool
}

// Stats - счётчики эндпоинта
type Stats struct {
	PacketsReceived uint64 `json:"packetsReceived"`
	PacketsDropped  uint64 `json:"packetsDropped"`
	UnknownDropped  uint64 `json:"unknownDropped"`
	BytesReceived   uint64 `json:"bytesReceived"`
	Connections     int    `json:"connections"`
}

// Endpoint - один UDP-сокет с демультиплексором соединений
type Endpoint struct {
	conn      *net.UDPConn
	localAddr *net.UDPAddr

	// connections - карта hex(CID) → Connection
	connections map[string]*connection.Connection

	handler connection.Handler
	logger  logrus.FieldLogger
	opts    Options

	// stats
	packetsReceived uint64
	packetsDropped  uint64
	unknownDropped  uint64
	bytesReceived   uint64

	mu     sync.RWMutex
	closed int32
}

// Listen создаёт эндпоинт на (host, port) и запускает цикл приёма
// handler получает прикладные события всех соединений эндпоинта
func Listen(host string, port int, handler connection.Handler, logger logrus.FieldLogger, opts Options) (*Endpoint, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	udpAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", udpAddr.String(), err)
	}

	conn.SetReadBuffer(socketBufferSize)
	conn.SetWriteBuffer(socketBufferSize)

	local := conn.LocalAddr().(*net.UDPAddr)

	ep := &Endpoint{
		conn:        conn,
		localAddr:   local,
		connections: make(map[string]*connection.Connection),
		handler:     handler,
		logger:      logger.WithField("endpoint", xid.New().String()),
		opts:        opts,
	}

	ep.logger.WithField("addr", local.String()).Info("endpoint listening")

	go ep.receiveLoop()
	if opts.ReapIdleConnections {
		go ep.cleanupLoop()
	}

	return ep, nil
}

// LocalAddr возвращает адрес, на котором слушает эндпоинт
func (e *Endpoint) LocalAddr() *net.UDPAddr { return e.localAddr }

// Send пишет датаграмму в сокет
// Гейта CUBIC здесь нет: он сработал внутри Connection
func (e *Endpoint) Send(data []byte, addr *net.UDPAddr) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return fmt.Errorf("endpoint closed")
	}
	_, err := e.conn.WriteToUDP(data, addr)
	if err != nil {
		return fmt.Errorf("send to %s: %w", addr.String(), err)
	}
	return nil
}

// RegisterConnection добавляет соединение в демультиплексор
// Клиент регистрирует своё соединение на каждом эндпоинте
// (по одному на интерфейс), чтобы ответы находили его после
// миграции
func (e *Endpoint) RegisterConnection(conn *connection.Connection) {
	key := hex.EncodeToString(conn.ConnectionID())
	e.mu.Lock()
	e.connections[key] = conn
	e.mu.Unlock()
}

// Lookup возвращает соединение по CID
func (e *Endpoint) Lookup(cid []byte) *connection.Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connections[hex.EncodeToString(cid)]
}

// Connections возвращает снимок всех соединений эндпоинта
func (e *Endpoint) Connections() []*connection.Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]*connection.Connection, 0, len(e.connections))
	seen := make(map[*connection.Connection]bool)
	for _, c := range e.connections {
		if !seen[c] {
			seen[c] = true
			conns = append(conns, c)
		}
	}
	return conns
}

// Stats возвращает счётчики эндпоинта
func (e *Endpoint) Stats() Stats {
	// Соединение может числиться под несколькими CID
	// (AllocateServerCID), считаем различные соединения
	n := len(e.Connections())
	return Stats{
		PacketsReceived: atomic.LoadUint64(&e.packetsReceived),
		PacketsDropped:  atomic.LoadUint64(&e.packetsDropped),
		UnknownDropped:  atomic.LoadUint64(&e.unknownDropped),
		BytesReceived:   atomic.LoadUint64(&e.bytesReceived),
		Connections:     n,
	}
}

// Close останавливает эндпоинт и закрывает сокет
// Ожидающие операции соединений завершаются ошибками
func (e *Endpoint) Close() error {
	if !atomic.CompareAndSwapInt32(&e.closed, 0, 1) {
		return nil
	}

	e.mu.Lock()
	for key, conn := range e.connections {
		conn.Close()
		delete(e.connections, key)
	}
	e.mu.Unlock()

	return e.conn.Close()
}

// receiveLoop - основной цикл приёма датаграмм
func (e *Endpoint) receiveLoop() {
	buf := make([]byte, MaxDatagramSize)

	for {
		if atomic.LoadInt32(&e.closed) == 1 {
			return
		}

		// Дедлайн, чтобы периодически проверять closed
		e.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, remoteAddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if atomic.LoadInt32(&e.closed) == 1 {
				return
			}
			e.logger.WithError(err).Error("socket read failed, shutting down endpoint")
			e.Close()
			return
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&e.packetsReceived, 1)
		atomic.AddUint64(&e.bytesReceived, uint64(n))

		// buf переиспользуется - копируем
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		e.handleDatagram(datagram, remoteAddr)
	}
}

// handleDatagram обрабатывает одну датаграмму
// Ошибки кодека локальны: лог + дроп, соединение не трогаем
func (e *Endpoint) handleDatagram(data []byte, addr *net.UDPAddr) {
	hdr, _, err := packet.ParseHeader(data)
	if err != nil {
		atomic.AddUint64(&e.packetsDropped, 1)
		e.logger.WithError(err).WithField("addr", addr.String()).Warn("dropping undecodable datagram")
		return
	}

	conn := e.Lookup(hdr.DestinationConnectionID)
	if conn == nil {
		if hdr.Type != packet.PacketType_INITIAL {
			atomic.AddUint64(&e.unknownDropped, 1)
			e.logger.WithFields(logrus.Fields{
				"addr": addr.String(),
				"dcid": hex.EncodeToString(hdr.DestinationConnectionID),
				"type": hdr.Type.String(),
			}).Warn("packet for unknown connection, dropping")
			return
		}

		// Initial с пустым CID отбрасывается как malformed
		if len(hdr.DestinationConnectionID) == 0 || len(hdr.SourceConnectionID) == 0 {
			atomic.AddUint64(&e.packetsDropped, 1)
			e.logger.WithField("addr", addr.String()).Warn("INITIAL with empty connection ID, dropping")
			return
		}

		conn, err = e.acceptConnection(hdr, addr)
		if err != nil {
			atomic.AddUint64(&e.packetsDropped, 1)
			e.logger.WithError(err).Error("accept connection failed")
			return
		}
	}

	// Первый пакет фиксирует путь; дальше смена адреса пира
	// запускает менеджер путей
	conn.EnsurePath(e.localAddr, addr, e.Send)
	if active := conn.ActivePath(); active != nil && !sameUDPAddr(active.PeerAddr, addr) {
		conn.Observe(addr, e.localAddr, e.Send)
	}

	hdr, frames, trailing, err := packet.ParsePacket(data)
	if err != nil {
		atomic.AddUint64(&e.packetsDropped, 1)
		e.logger.WithError(err).WithField("addr", addr.String()).Warn("dropping malformed packet")
		return
	}

	conn.ProcessPacket(hdr, frames, trailing, addr)
}

// acceptConnection создаёт серверное соединение по Initial
// с неизвестным destination CID
//
// Исторически сервер адоптирует CID, выбранный клиентом
// (destination CID пакета). В режиме AllocateServerCID сервер
// выделяет свежий CID, анонсирует его через NEW_CONNECTION_ID
// и остаётся достижим по обоим.
func (e *Endpoint) acceptConnection(hdr *packet.Header, addr *net.UDPAddr) (*connection.Connection, error) {
	ownCID := hdr.DestinationConnectionID
	if e.opts.AllocateServerCID {
		fresh, err := packet.GenerateConnectionID()
		if err != nil {
			return nil, err
		}
		ownCID = fresh
	}

	conn, err := connection.New(ownCID, false, e.handler, e.logger)
	if err != nil {
		return nil, err
	}
	if e.opts.AllocateServerCID {
		conn.AnnounceOwnCID()
	}

	e.mu.Lock()
	e.connections[hex.EncodeToString(ownCID)] = conn
	if e.opts.AllocateServerCID {
		// Ретрансмиты Initial продолжают находить соединение
		// по клиентскому destination CID
		e.connections[hex.EncodeToString(hdr.DestinationConnectionID)] = conn
	}
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"addr": addr.String(),
		"cid":  hex.EncodeToString(ownCID),
	}).Info("new connection")

	return conn, nil
}

// cleanupLoop периодически убирает простаивающие соединения
func (e *Endpoint) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		if atomic.LoadInt32(&e.closed) == 1 {
			return
		}

		now := time.Now()

		e.mu.Lock()
		for key, conn := range e.connections {
			if now.Sub(conn.LastActiveAt()) > connectionIdleTimeout {
				conn.Close()
				delete(e.connections, key)
				e.logger.WithField("cid", key).Info("idle connection reaped")
			}
		}
		e.mu.Unlock()
	}
}

// sameUDPAddr сравнивает два UDP-адреса по IP и порту
func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
