package connection

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/it2konst/quicpath/congestion"
	"github.com/it2konst/quicpath/crypto"
	"github.com/it2konst/quicpath/packet"
)

// ====================================================================
// Машина состояний соединения
// ====================================================================
//
// Соединение адресуется Connection ID, а не 4-tuple, поэтому
// переживает смену сетевого адреса. Жизненный цикл:
//
//   new → initial-sent → handshake-received → established → closed
//
// Клиент и сервер используют одну машину с симметричными
// переходами. Соединение владеет:
//   - своим CID (неизменен всю жизнь соединения)
//   - CID пира (выучивается при хэндшейке, ровно один раз)
//   - набором путей с ровно одним активным
//   - контекстом согласования ключей
//   - контроллером CUBIC и сглаживателем RTT
//   - учётом номеров пакетов и пакетов в полёте
//
// Упрощённая модель подтверждений: каждый входящий пакет
// подтверждает самый старый пакет в полёте. Модель изолирована
// в processAckLocked, чтобы замена на явные ACK-фреймы не трогала
// остальную машину.
//
// Владелец соединения - эндпоинт; все мутации происходят из его
// цикла приёма либо под мьютексом соединения.
//
// ====================================================================

// Состояние соединения
type State int32

const (
	State_NEW                State = 0
	State_INITIAL_SENT       State = 1
	State_HANDSHAKE_RECEIVED State = 2
	State_ESTABLISHED        State = 3
	State_CLOSED             State = 4
)

// String возвращает имя состояния для логов
func (s State) String() string {
	switch s {
	case State_NEW:
		return "new"
	case State_INITIAL_SENT:
		return "initial-sent"
	case State_HANDSHAKE_RECEIVED:
		return "handshake-received"
	case State_ESTABLISHED:
		return "established"
	case State_CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrNoActivePath - попытка отправки до появления пути:
	// ошибка программиста, падаем сразу
	ErrNoActivePath = errors.New("no active path available")

	// ErrWouldBlock - отправка нарушила бы in_flight < cwnd;
	// вызывающий сам решает, ставить ли в очередь и повторять
	ErrWouldBlock = errors.New("congestion window full")

	// ErrHandshakeTimeout - хэндшейк не завершился в отведённое окно
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrPathValidationTimeout - PATH_RESPONSE не пришёл, путь
	// откатен на прежний активный
	ErrPathValidationTimeout = errors.New("path validation timeout")

	// ErrConnectionClosed - операция над закрытым соединением
	ErrConnectionClosed = errors.New("connection closed")
)

// SendFunc - отправка готовой датаграммы на адрес
// Эндпоинт подставляет сюда запись в свой UDP-сокет
type SendFunc func(data []byte, addr *net.UDPAddr) error

// Connection - одно соединение quicpath
type Connection struct {
	mu sync.Mutex

	// connectionID - собственный CID, неизменен всю жизнь
	connectionID []byte

	// peerConnectionID - CID пира, устанавливается ровно один раз
	// по первому пакету с непустым source CID
	peerConnectionID []byte

	// provisionalDCID - выдуманный destination CID первого Initial
	// (пир ещё неизвестен); переживает ретрансмиты Initial
	provisionalDCID []byte

	isClient      bool
	state         State
	isEstablished bool

	// announceOwnCID - анонсировать свой CID клиенту через
	// NEW_CONNECTION_ID (режим AllocateServerCID эндпоинта)
	announceOwnCID bool

	// established закрывается при переходе в established
	established     chan struct{}
	establishedOnce sync.Once

	// Пути
	paths           []*Path
	activePath      *Path
	validatingPaths map[string]*Path

	// pendingPathChallenges - данные challenge → путь, ждущий ответа
	pendingPathChallenges map[[packet.PathChallengeSize]byte]*Path

	// keys - контекст согласования ключей
	keys *crypto.KeyAgreement

	// cubic - контроллер перегрузки
	cubic *congestion.Cubic

	// rtt - сглаживатель RTT уровня соединения
	rtt RTTEstimator

	// lossDetector - эвристика детекции потерь
	lossDetector LossDetector

	// Учёт номеров пакетов
	nextPacketNumber uint64
	largestAcked     uint64
	sentPackets      map[uint64]SentPacketInfo
	sentOrder        []uint64

	handler Handler
	logger  logrus.FieldLogger

	lastActiveAt time.Time
}

// New создаёт соединение с заданным собственным CID
func New(connectionID []byte, isClient bool, handler Handler, logger logrus.FieldLogger) (*Connection, error) {
	if len(connectionID) == 0 {
		return nil, errors.New("empty connection ID")
	}
	if handler == nil {
		handler = NopHandler{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	keys, err := crypto.NewKeyAgreement(isClient)
	if err != nil {
		return nil, fmt.Errorf("create key agreement: %w", err)
	}

	cid := make([]byte, len(connectionID))
	copy(cid, connectionID)

	role := "server"
	if isClient {
		role = "client"
	}
	log := logger.WithFields(logrus.Fields{"cid": hex.EncodeToString(cid), "role": role})
	log.Info("connection created")

	return &Connection{
		connectionID:          cid,
		isClient:              isClient,
		state:                 State_NEW,
		established:           make(chan struct{}),
		validatingPaths:       make(map[string]*Path),
		pendingPathChallenges: make(map[[packet.PathChallengeSize]byte]*Path),
		keys:                  keys,
		cubic:                 congestion.NewCubic(),
		lossDetector:          NewThresholdLossDetector(),
		sentPackets:           make(map[uint64]SentPacketInfo),
		handler:               handler,
		logger:                log,
		lastActiveAt:          time.Now(),
	}, nil
}

// ConnectionID возвращает копию собственного CID
func (c *Connection) ConnectionID() []byte {
	cid := make([]byte, len(c.connectionID))
	copy(cid, c.connectionID)
	return cid
}

// PeerConnectionID возвращает копию CID пира (nil до хэндшейка)
func (c *Connection) PeerConnectionID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerConnectionID == nil {
		return nil
	}
	cid := make([]byte, len(c.peerConnectionID))
	copy(cid, c.peerConnectionID)
	return cid
}

// IsClient сообщает роль соединения
func (c *Connection) IsClient() bool { return c.isClient }

// IsEstablished сообщает, установлено ли соединение
func (c *Connection) IsEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isEstablished
}

// State возвращает текущее состояние машины
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Established возвращает канал, закрываемый при установлении
func (c *Connection) Established() <-chan struct{} {
	return c.established
}

// WaitEstablished блокируется до установления соединения
// или истечения таймаута
func (c *Connection) WaitEstablished(timeout time.Duration) error {
	select {
	case <-c.established:
		return nil
	case <-time.After(timeout):
		return ErrHandshakeTimeout
	}
}

// LastActiveAt возвращает время последней активности
func (c *Connection) LastActiveAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActiveAt
}

// Keys возвращает контекст согласования ключей
func (c *Connection) Keys() *crypto.KeyAgreement { return c.keys }

// AnnounceOwnCID включает анонс собственного CID в ответе на
// хэндшейк (сервер выделил себе свежий CID вместо адопции
// клиентского)
func (c *Connection) AnnounceOwnCID() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announceOwnCID = true
}

// SetLossDetector заменяет эвристику детекции потерь
func (c *Connection) SetLossDetector(d LossDetector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lossDetector = d
}

// EnsurePath создаёт активный путь, если его ещё нет
// Путь первого пакета считается провалидированным: его
// достижимость доказывает сам хэндшейк
func (c *Connection) EnsurePath(local, peer *net.UDPAddr, send SendFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activePath != nil {
		return
	}
	p := newPath(local, peer, send)
	p.isValidated = true
	c.paths = append(c.paths, p)
	c.activePath = p
}

// ActivePath возвращает текущий активный путь (nil до первого пакета)
func (c *Connection) ActivePath() *Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePath
}

// PathCount возвращает количество известных путей
func (c *Connection) PathCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

// ====================================================================
// Хэндшейк
// ====================================================================

// StartHandshake строит и отправляет Initial пакет (только клиент)
// Destination CID первого Initial - выдуманные 8 случайных байт:
// настоящий CID пира станет известен из его ответа. Повторный вызов
// ретранслирует Initial с тем же provisional CID.
func (c *Connection) StartHandshake() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isClient {
		return errors.New("only the client can start a handshake")
	}
	if c.state == State_CLOSED {
		return ErrConnectionClosed
	}
	if c.activePath == nil {
		return ErrNoActivePath
	}

	dcid := c.peerConnectionID
	if len(dcid) == 0 {
		if c.provisionalDCID == nil {
			c.provisionalDCID = make([]byte, packet.ConnectionIDLength)
			if _, err := rand.Read(c.provisionalDCID); err != nil {
				return fmt.Errorf("generate provisional CID: %w", err)
			}
		}
		dcid = c.provisionalDCID
	}

	c.logger.WithField("dcid", hex.EncodeToString(dcid)).Info("starting handshake")

	err := c.sendPacketLocked(packet.PacketType_INITIAL, dcid, nil, c.keys.PublicKey(), c.activePath, true)
	if err != nil {
		return fmt.Errorf("send initial: %w", err)
	}

	c.state = State_INITIAL_SENT
	c.keys.SetState(crypto.HandshakeState_WAIT_HANDSHAKE)
	return nil
}

// becomeEstablishedLocked переводит соединение в established
// Возвращает колбэк для вызова после снятия мьютекса
func (c *Connection) becomeEstablishedLocked() func() {
	c.state = State_ESTABLISHED
	c.isEstablished = true

	fired := false
	c.establishedOnce.Do(func() {
		close(c.established)
		fired = true
	})

	if !fired {
		return nil
	}
	c.logger.Info("connection established")
	return func() { c.handler.OnHandshakeComplete(c) }
}

// deriveKeysLocked вычисляет общий секрет из хвоста пакета
// Хвост короче публичного ключа молча игнорируется
func (c *Connection) deriveKeysLocked(trailing []byte) {
	if len(trailing) < crypto.PublicKeySize {
		return
	}
	if c.keys.State() == crypto.HandshakeState_CONNECTED {
		return
	}
	if err := c.keys.ComputeShared(trailing[:crypto.PublicKeySize]); err != nil {
		c.logger.WithError(err).Warn("key agreement failed")
	}
}

// ====================================================================
// Обработка входящих пакетов
// ====================================================================

// ProcessPacket обрабатывает разобранный входящий пакет
// Вызывается циклом приёма эндпоинта
func (c *Connection) ProcessPacket(hdr *packet.Header, frames []packet.Frame, trailing []byte, addr *net.UDPAddr) {
	var callbacks []func()

	c.mu.Lock()
	c.lastActiveAt = time.Now()

	// CID пира устанавливается ровно один раз, по первому пакету
	// с непустым source CID
	if len(c.peerConnectionID) == 0 && len(hdr.SourceConnectionID) > 0 {
		c.peerConnectionID = make([]byte, len(hdr.SourceConnectionID))
		copy(c.peerConnectionID, hdr.SourceConnectionID)
		c.logger.WithField("peerCid", hex.EncodeToString(c.peerConnectionID)).Info("learned peer connection ID")
	}

	switch hdr.Type {
	case packet.PacketType_INITIAL:
		if c.isClient {
			// Ответ сервера типом Initial - тоже завершение хэндшейка
			c.deriveKeysLocked(trailing)
			if cb := c.becomeEstablishedLocked(); cb != nil {
				callbacks = append(callbacks, cb)
			}
		} else {
			callbacks = append(callbacks, c.handleInitialLocked(hdr, frames, trailing, addr)...)
		}

	case packet.PacketType_HANDSHAKE:
		if c.isClient {
			c.deriveKeysLocked(trailing)
			callbacks = append(callbacks, c.dispatchFramesLocked(frames, addr)...)
			if cb := c.becomeEstablishedLocked(); cb != nil {
				callbacks = append(callbacks, cb)
			}
		} else {
			c.logger.Debug("ignoring HANDSHAKE packet on server side")
		}

	case packet.PacketType_SHORT:
		if !c.isEstablished {
			if c.state == State_HANDSHAKE_RECEIVED {
				// Первый пакет клиента после нашего ответа -
				// хэндшейк состоялся
				if cb := c.becomeEstablishedLocked(); cb != nil {
					callbacks = append(callbacks, cb)
				}
				callbacks = append(callbacks, c.dispatchFramesLocked(frames, addr)...)
			} else {
				c.logger.Warn("SHORT packet before connection is established")
			}
		} else {
			callbacks = append(callbacks, c.dispatchFramesLocked(frames, addr)...)
		}
	}

	c.processAckLocked(time.Now())
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// handleInitialLocked обрабатывает Initial на сервере
func (c *Connection) handleInitialLocked(hdr *packet.Header, frames []packet.Frame, trailing []byte, addr *net.UDPAddr) []func() {
	c.deriveKeysLocked(trailing)

	if c.isEstablished {
		// Клиент мог не получить наш ответ - ретранслируем
		if err := c.sendHandshakeResponseLocked(); err != nil {
			c.logger.WithError(err).Warn("resend handshake response failed")
		}
		return nil
	}

	c.state = State_HANDSHAKE_RECEIVED

	if err := c.sendHandshakeResponseLocked(); err != nil {
		c.logger.WithError(err).Error("send handshake response failed")
		return nil
	}

	var callbacks []func()
	if cb := c.becomeEstablishedLocked(); cb != nil {
		callbacks = append(callbacks, cb)
	}
	return callbacks
}

// sendHandshakeResponseLocked отправляет Handshake пакет клиенту
// Если эндпоинт выделил нам свежий CID (см. AllocateServerCID),
// клиент узнаёт его из NEW_CONNECTION_ID
func (c *Connection) sendHandshakeResponseLocked() error {
	if c.activePath == nil {
		return ErrNoActivePath
	}

	var frames []packet.Frame
	if c.announceOwnCID {
		frames = append(frames, &packet.NewConnectionIDFrame{
			SequenceNumber: 0,
			ConnectionID:   c.connectionID,
		})
	}

	return c.sendPacketLocked(packet.PacketType_HANDSHAKE, c.peerConnectionID, frames, c.keys.PublicKey(), c.activePath, true)
}

// dispatchFramesLocked обрабатывает фреймы пакета слева направо
// Прикладные колбэки возвращаются для вызова после снятия мьютекса
func (c *Connection) dispatchFramesLocked(frames []packet.Frame, addr *net.UDPAddr) []func() {
	var callbacks []func()

	for _, frame := range frames {
		switch f := frame.(type) {
		case *packet.PaddingFrame:
			// нет содержимого

		case *packet.PathChallengeFrame:
			c.handlePathChallengeLocked(f.Data, addr)

		case *packet.PathResponseFrame:
			c.handlePathResponseLocked(f.Data, addr)

		case *packet.NewConnectionIDFrame:
			c.handleNewConnectionIDLocked(f)

		case *packet.FileRequestFrame:
			callbacks = append(callbacks, func() { c.handler.OnFileRequest(c, f, addr) })

		case *packet.FileResponseFrame:
			callbacks = append(callbacks, func() { c.handler.OnFileResponse(c, f) })

		case *packet.FileDataFrame:
			callbacks = append(callbacks, func() { c.handler.OnFileData(c, f) })
		}
	}

	return callbacks
}

// handleNewConnectionIDLocked перепривязывает CID пира
// Единственная легальная смена peer CID после хэндшейка
func (c *Connection) handleNewConnectionIDLocked(f *packet.NewConnectionIDFrame) {
	if len(f.ConnectionID) == 0 {
		return
	}
	c.peerConnectionID = make([]byte, len(f.ConnectionID))
	copy(c.peerConnectionID, f.ConnectionID)
	c.logger.WithFields(logrus.Fields{
		"seq":     f.SequenceNumber,
		"peerCid": hex.EncodeToString(c.peerConnectionID),
	}).Info("peer connection ID remapped")
}

// ====================================================================
// Учёт подтверждений и потерь
// ====================================================================

// processAckLocked реализует упрощённую модель подтверждений:
// входящий пакет подтверждает самый старый пакет в полёте.
// Здесь же срабатывает эвристика детекции потерь.
func (c *Connection) processAckLocked(now time.Time) {
	if info, ok := c.popOldestLocked(); ok {
		rtt := now.Sub(info.SendTime)
		if c.rtt.AddSample(rtt) {
			c.logger.WithField("rttMs", float64(rtt)/float64(time.Millisecond)).Debug("RTT sample")
		}
		c.cubic.OnPacketAcked(info.Size, rtt)
		if info.PacketNumber > c.largestAcked {
			c.largestAcked = info.PacketNumber
		}
	}

	if oldest, ok := c.peekOldestLocked(); ok {
		if c.lossDetector.OldestLost(now, oldest, len(c.sentPackets)) {
			delete(c.sentPackets, oldest.PacketNumber)
			c.cubic.OnPacketLost(oldest.Size)
			c.logger.WithField("pn", oldest.PacketNumber).Info("packet declared lost")
		}
	}
}

// popOldestLocked извлекает самый старый пакет в полёте
func (c *Connection) popOldestLocked() (SentPacketInfo, bool) {
	for len(c.sentOrder) > 0 {
		pn := c.sentOrder[0]
		c.sentOrder = c.sentOrder[1:]
		if info, ok := c.sentPackets[pn]; ok {
			delete(c.sentPackets, pn)
			return info, true
		}
	}
	return SentPacketInfo{}, false
}

// peekOldestLocked возвращает самый старый пакет в полёте, не извлекая
func (c *Connection) peekOldestLocked() (SentPacketInfo, bool) {
	for len(c.sentOrder) > 0 {
		pn := c.sentOrder[0]
		if info, ok := c.sentPackets[pn]; ok {
			return info, true
		}
		c.sentOrder = c.sentOrder[1:]
	}
	return SentPacketInfo{}, false
}

// ====================================================================
// Отправка
// ====================================================================

// SendFrames отправляет short пакет с фреймами по активному пути
// Отправка проходит через гейт CUBIC: при заполненном окне
// возвращается ErrWouldBlock, вызывающий повторяет сам
func (c *Connection) SendFrames(frames []packet.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == State_CLOSED {
		return ErrConnectionClosed
	}
	if c.activePath == nil {
		return ErrNoActivePath
	}
	return c.sendPacketLocked(packet.PacketType_SHORT, c.peerConnectionID, frames, nil, c.activePath, true)
}

// SendImmediate отправляет short пакет на конкретный адрес мимо
// гейта CUBIC и без номера пакета. Используется для элиситоров
// подтверждений: отправка не меняет состояния соединения.
func (c *Connection) SendImmediate(frames []packet.Frame, addr *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activePath == nil {
		return ErrNoActivePath
	}

	header := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: c.peerConnectionID,
		SourceConnectionID:      c.connectionID,
	}
	data, err := packet.CreatePacket(header, frames)
	if err != nil {
		return err
	}
	return c.activePath.send(data, addr)
}

// sendPacketLocked - общий путь отправки
// При gated пакет получает номер, записывается в полёт и проходит
// гейт CUBIC; dcid может быть пустым (пир ещё неизвестен)
func (c *Connection) sendPacketLocked(pktType packet.PacketType, dcid []byte, frames []packet.Frame, trailing []byte, path *Path, gated bool) error {
	if gated && !c.cubic.CanSend() {
		return ErrWouldBlock
	}

	header := &packet.Header{
		Type:                    pktType,
		DestinationConnectionID: dcid,
		SourceConnectionID:      c.connectionID,
	}

	data, err := packet.CreatePacket(header, frames)
	if err != nil {
		return err
	}
	if len(trailing) > 0 {
		data = append(data, trailing...)
	}

	if gated {
		pn := c.nextPacketNumber
		c.nextPacketNumber++
		c.sentPackets[pn] = SentPacketInfo{
			PacketNumber: pn,
			SendTime:     time.Now(),
			Size:         len(data),
		}
		c.sentOrder = append(c.sentOrder, pn)
		c.cubic.OnPacketSent(len(data))
	}

	return path.send(data, path.PeerAddr)
}

// ====================================================================
// Менеджер путей
// ====================================================================

// Observe регистрирует новый адрес пира
// Вызывается эндпоинтом, когда датаграмма установленного соединения
// пришла не с адреса активного пути: создаётся кандидатский путь
// и запускается его валидация
func (c *Connection) Observe(peer, local *net.UDPAddr, send SendFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activePath != nil && sameAddr(peer, c.activePath.PeerAddr) {
		return
	}
	if _, ok := c.validatingPaths[peer.String()]; ok {
		return
	}

	c.logger.WithField("addr", peer.String()).Info("potential path migration detected")

	p := newPath(local, peer, send)
	c.validatingPaths[peer.String()] = p

	if err := c.sendPathChallengeLocked(p); err != nil {
		c.logger.WithError(err).Warn("send path challenge failed")
	}
}

// sendPathChallengeLocked отправляет PATH_CHALLENGE по пути
// Данные challenge запоминаются до прихода ответа
func (c *Connection) sendPathChallengeLocked(p *Path) error {
	data, err := packet.NewPathChallengeData()
	if err != nil {
		return err
	}
	c.pendingPathChallenges[data] = p

	frames := []packet.Frame{&packet.PathChallengeFrame{Data: data}}
	return c.sendPacketLocked(packet.PacketType_SHORT, c.peerConnectionID, frames, nil, p, true)
}

// handlePathChallengeLocked отвечает на PATH_CHALLENGE
// Ответ уходит немедленно на адрес отправителя; состояние
// ответчика не меняется
func (c *Connection) handlePathChallengeLocked(data [packet.PathChallengeSize]byte, addr *net.UDPAddr) {
	if c.activePath == nil {
		return
	}

	c.logger.WithField("addr", addr.String()).Info("received PATH_CHALLENGE")

	header := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: c.peerConnectionID,
		SourceConnectionID:      c.connectionID,
	}
	frames := []packet.Frame{&packet.PathResponseFrame{Data: data}}
	pkt, err := packet.CreatePacket(header, frames)
	if err != nil {
		return
	}
	if err := c.activePath.send(pkt, addr); err != nil {
		c.logger.WithError(err).Warn("send PATH_RESPONSE failed")
	}
}

// handlePathResponseLocked валидирует путь по PATH_RESPONSE
// Ответ принимается только с ожидаемого адреса пира: replay
// со стороннего адреса активный путь не сдвигает. Первый совпавший
// ответ выигрывает, остальные challenge того же пира снимаются.
func (c *Connection) handlePathResponseLocked(data [packet.PathChallengeSize]byte, addr *net.UDPAddr) {
	p, ok := c.pendingPathChallenges[data]
	if !ok {
		c.logger.WithField("addr", addr.String()).Debug("PATH_RESPONSE matches no pending challenge")
		return
	}
	if !sameAddr(addr, p.PeerAddr) {
		c.logger.WithFields(logrus.Fields{
			"addr":     addr.String(),
			"expected": p.PeerAddr.String(),
		}).Warn("PATH_RESPONSE from unexpected address, ignoring")
		return
	}

	delete(c.pendingPathChallenges, data)
	p.isValidated = true
	delete(c.validatingPaths, p.PeerAddr.String())

	// Остальные challenge к тому же пиру снимаются
	for d, other := range c.pendingPathChallenges {
		if sameAddr(other.PeerAddr, p.PeerAddr) {
			delete(c.pendingPathChallenges, d)
		}
	}

	found := false
	for _, existing := range c.paths {
		if existing == p {
			found = true
			break
		}
	}
	if !found {
		c.paths = append(c.paths, p)
	}

	c.activePath = p
	c.logger.WithField("addr", p.PeerAddr.String()).Info("path validated, migration complete")

	if p.migrationDone != nil {
		select {
		case p.migrationDone <- nil:
		default:
		}
		p.migrationDone = nil
	}
}

// MigrateTo выполняет клиентскую миграцию на новый локальный адрес
// Новый путь оптимистично становится активным и валидируется
// PATH_CHALLENGE; если PATH_RESPONSE не пришёл за
// PathValidationTimeout - откат на прежний активный путь.
// Результат валидации отдаётся в возвращаемый канал.
func (c *Connection) MigrateTo(local *net.UDPAddr, send SendFunc) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == State_CLOSED {
		return nil, ErrConnectionClosed
	}
	if c.activePath == nil {
		return nil, ErrNoActivePath
	}

	prev := c.activePath
	p := newPath(local, prev.PeerAddr, send)
	p.migrationDone = make(chan error, 1)
	c.paths = append(c.paths, p)
	c.activePath = p

	c.logger.WithFields(logrus.Fields{
		"local": local.String(),
		"peer":  p.PeerAddr.String(),
	}).Info("starting client migration")

	if err := c.sendPathChallengeLocked(p); err != nil {
		c.activePath = prev
		c.removePathLocked(p)
		return nil, fmt.Errorf("send validation packet: %w", err)
	}

	done := p.migrationDone
	time.AfterFunc(PathValidationTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if p.isValidated {
			return
		}
		// Откат: путь не подтвердился
		if c.activePath == p {
			c.activePath = prev
		}
		c.removePathLocked(p)
		c.logger.WithField("local", local.String()).Warn("path validation timed out, rolled back")
		select {
		case done <- ErrPathValidationTimeout:
		default:
		}
	})

	return done, nil
}

// removePathLocked убирает путь и его незакрытые challenge
func (c *Connection) removePathLocked(p *Path) {
	for i, existing := range c.paths {
		if existing == p {
			c.paths = append(c.paths[:i], c.paths[i+1:]...)
			break
		}
	}
	for d, other := range c.pendingPathChallenges {
		if other == p {
			delete(c.pendingPathChallenges, d)
		}
	}
	delete(c.validatingPaths, p.PeerAddr.String())
}

// ====================================================================
// Статистика и завершение
// ====================================================================

// Stats - сводная статистика соединения для панели и метрик
type Stats struct {
	congestion.Stats

	SmoothedRTTMs    float64 `json:"smoothedRttMs"`
	MinRTTMs         float64 `json:"minRttMs"`
	LatestRTTMs      float64 `json:"latestRttMs"`
	RTTVarianceMs    float64 `json:"rttVarianceMs"`
	NextPacketNumber uint64  `json:"nextPacketNumber"`
	LargestAcked     uint64  `json:"largestAcked"`
	PacketsInFlight  int     `json:"packetsInFlight"`
}

// CongestionStats возвращает сводную статистику соединения
func (c *Connection) CongestionStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	return Stats{
		Stats:            c.cubic.Stats(),
		SmoothedRTTMs:    ms(c.rtt.SmoothedRTT()),
		MinRTTMs:         ms(c.rtt.MinRTT()),
		LatestRTTMs:      ms(c.rtt.LatestRTT()),
		RTTVarianceMs:    ms(c.rtt.Variance()),
		NextPacketNumber: c.nextPacketNumber,
		LargestAcked:     c.largestAcked,
		PacketsInFlight:  len(c.sentPackets),
	}
}

// SmoothedRTT возвращает сглаженный RTT соединения
func (c *Connection) SmoothedRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtt.SmoothedRTT()
}

// Congestion возвращает контроллер перегрузки соединения
func (c *Connection) Congestion() *congestion.Cubic { return c.cubic }

// Close переводит соединение в closed; дальнейшие отправки
// завершаются ErrConnectionClosed
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == State_CLOSED {
		return
	}
	c.state = State_CLOSED
	c.logger.Info("connection closed")
}
