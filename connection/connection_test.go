package connection

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/it2konst/quicpath/congestion"
	"github.com/it2konst/quicpath/crypto"
	"github.com/it2konst/quicpath/packet"
)

// ====================================================================
// Тесты машины состояний соединения
// ====================================================================

// capturedPacket - перехваченная исходящая датаграмма
type capturedPacket struct {
	data []byte
	addr *net.UDPAddr
}

// captureSink собирает всё, что соединение отправляет
type captureSink struct {
	mu      sync.Mutex
	packets []capturedPacket
}

func (s *captureSink) send(data []byte, addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := capturedPacket{data: make([]byte, len(data)), addr: addr}
	copy(cp.data, data)
	s.packets = append(s.packets, cp)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

func (s *captureSink) last(t *testing.T) capturedPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.packets)
	return s.packets[len(s.packets)-1]
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: port}
}

func addrIP(a, b, c, d byte, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a, b, c, d), Port: port}
}

// newTestConnection создаёт соединение с активным путём и сборщиком
// исходящих датаграмм
func newTestConnection(t *testing.T, isClient bool) (*Connection, *captureSink) {
	t.Helper()
	cid, err := packet.GenerateConnectionID()
	require.NoError(t, err)

	conn, err := New(cid, isClient, nil, nil)
	require.NoError(t, err)

	sink := &captureSink{}
	conn.EnsurePath(addrIP(10, 0, 0, 1, 4000), addr(5000), sink.send)
	return conn, sink
}

// establish переводит соединение в established, скормив ему
// пакет пира: клиенту - Handshake-ответ, серверу - Initial
func establish(t *testing.T, conn *Connection, peerCID []byte) *crypto.KeyAgreement {
	t.Helper()
	peerKeys, err := crypto.NewKeyAgreement(!conn.IsClient())
	require.NoError(t, err)

	pktType := packet.PacketType_HANDSHAKE
	if !conn.IsClient() {
		pktType = packet.PacketType_INITIAL
	}

	hdr := &packet.Header{
		Type:                    pktType,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, nil, peerKeys.PublicKey(), addr(5000))
	require.True(t, conn.IsEstablished())
	return peerKeys
}

func TestStartHandshakeBuildsInitial(t *testing.T) {
	conn, sink := newTestConnection(t, true)

	require.NoError(t, conn.StartHandshake())
	require.Equal(t, State_INITIAL_SENT, conn.State())
	require.Equal(t, crypto.HandshakeState_WAIT_HANDSHAKE, conn.Keys().State())

	hdr, frames, trailing, err := packet.ParsePacket(sink.last(t).data)
	require.NoError(t, err)
	require.Equal(t, packet.PacketType_INITIAL, hdr.Type)
	require.Equal(t, conn.ConnectionID(), hdr.SourceConnectionID)

	// Destination CID первого Initial - выдуманные 8 байт
	require.Len(t, hdr.DestinationConnectionID, packet.ConnectionIDLength)
	require.Empty(t, frames)

	// Хвост пакета несёт публичный ключ
	require.Equal(t, conn.Keys().PublicKey(), trailing[:crypto.PublicKeySize])
}

func TestInitialRetransmitKeepsProvisionalCID(t *testing.T) {
	conn, sink := newTestConnection(t, true)

	require.NoError(t, conn.StartHandshake())
	require.NoError(t, conn.StartHandshake())
	require.Equal(t, 2, sink.count())

	hdr1, _, _, _ := packet.ParsePacket(sink.packets[0].data)
	hdr2, _, _, _ := packet.ParsePacket(sink.packets[1].data)
	require.Equal(t, hdr1.DestinationConnectionID, hdr2.DestinationConnectionID)
}

func TestStartHandshakeRequiresPath(t *testing.T) {
	cid, _ := packet.GenerateConnectionID()
	conn, err := New(cid, true, nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, conn.StartHandshake(), ErrNoActivePath)
}

func TestServerHandshakeFlow(t *testing.T) {
	server, sink := newTestConnection(t, false)

	clientKeys, err := crypto.NewKeyAgreement(true)
	require.NoError(t, err)
	clientCID, _ := packet.GenerateConnectionID()

	hdr := &packet.Header{
		Type:                    packet.PacketType_INITIAL,
		DestinationConnectionID: server.ConnectionID(),
		SourceConnectionID:      clientCID,
	}
	server.ProcessPacket(hdr, nil, clientKeys.PublicKey(), addr(5000))

	// Сервер ответил Handshake-пакетом и установил соединение
	require.True(t, server.IsEstablished())
	require.Equal(t, clientCID, server.PeerConnectionID())

	respHdr, _, trailing, err := packet.ParsePacket(sink.last(t).data)
	require.NoError(t, err)
	require.Equal(t, packet.PacketType_HANDSHAKE, respHdr.Type)
	require.Equal(t, clientCID, respHdr.DestinationConnectionID)
	require.Equal(t, server.ConnectionID(), respHdr.SourceConnectionID)

	// Обе стороны вывели один traffic secret
	require.NoError(t, clientKeys.ComputeShared(trailing[:crypto.PublicKeySize]))
	require.True(t, bytes.Equal(clientKeys.TrafficSecret(), server.Keys().TrafficSecret()))
}

func TestServerResendsHandshakeResponse(t *testing.T) {
	server, sink := newTestConnection(t, false)

	clientKeys, _ := crypto.NewKeyAgreement(true)
	clientCID, _ := packet.GenerateConnectionID()
	hdr := &packet.Header{
		Type:                    packet.PacketType_INITIAL,
		DestinationConnectionID: server.ConnectionID(),
		SourceConnectionID:      clientCID,
	}

	// Ретрансмит Initial от клиента, потерявшего ответ
	server.ProcessPacket(hdr, nil, clientKeys.PublicKey(), addr(5000))
	server.ProcessPacket(hdr, nil, clientKeys.PublicKey(), addr(5000))
	require.Equal(t, 2, sink.count())
}

func TestPeerCIDSetOnce(t *testing.T) {
	conn, _ := newTestConnection(t, true)

	first, _ := packet.GenerateConnectionID()
	second, _ := packet.GenerateConnectionID()

	establish(t, conn, first)
	require.Equal(t, first, conn.PeerConnectionID())

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      second,
	}
	conn.ProcessPacket(hdr, nil, nil, addr(5000))

	// source CID последующих пакетов CID пира не меняет
	require.Equal(t, first, conn.PeerConnectionID())
}

func TestNewConnectionIDRemapsPeer(t *testing.T) {
	conn, sink := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	fresh, _ := packet.GenerateConnectionID()
	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, []packet.Frame{
		&packet.NewConnectionIDFrame{SequenceNumber: 0, ConnectionID: fresh},
	}, nil, addr(5000))

	require.Equal(t, fresh, conn.PeerConnectionID())

	// Последующие отправки адресуются новому CID
	require.NoError(t, conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}}))
	outHdr, _, _, _ := packet.ParsePacket(sink.last(t).data)
	require.Equal(t, fresh, outHdr.DestinationConnectionID)
}

func TestSimplifiedAckOldestFirst(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}}))
	}

	before := conn.CongestionStats()
	require.Equal(t, 3, before.PacketsInFlight)

	// Сдвигаем время отправки в прошлое, чтобы сэмпл RTT прошёл
	// порог отбраковки
	conn.mu.Lock()
	for pn, info := range conn.sentPackets {
		info.SendTime = info.SendTime.Add(-50 * time.Millisecond)
		conn.sentPackets[pn] = info
	}
	conn.mu.Unlock()

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, nil, nil, addr(5000))

	// Входящий пакет подтвердил самый старый пакет в полёте
	after := conn.CongestionStats()
	require.Equal(t, 2, after.PacketsInFlight)
	require.Greater(t, after.SmoothedRTTMs, 0.0)
}

func TestPacketNumbersMonotonic(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}}))
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	var prev time.Time
	for i, pn := range conn.sentOrder {
		require.Equal(t, uint64(i), pn)
		info := conn.sentPackets[pn]
		require.False(t, info.SendTime.Before(prev))
		prev = info.SendTime
	}
}

func TestSendWouldBlock(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	for i := 0; i < congestion.InitialWindow; i++ {
		require.NoError(t, conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}}))
	}

	// Окно заполнено: отправка отклоняется, очереди нет
	err := conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}})
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestLossDetection(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	// Больше 20 пакетов в полёте, самый старый висит 2 секунды
	conn.mu.Lock()
	now := time.Now()
	for i := 0; i < 25; i++ {
		pn := conn.nextPacketNumber
		conn.nextPacketNumber++
		conn.sentPackets[pn] = SentPacketInfo{PacketNumber: pn, SendTime: now.Add(-2 * time.Second), Size: 1200}
		conn.sentOrder = append(conn.sentOrder, pn)
		conn.cubic.OnPacketSent(1200)
	}
	conn.mu.Unlock()

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, nil, nil, addr(5000))

	// Один пакет подтверждён, следующий по возрасту объявлен
	// потерянным, контроллер ушёл в recovery
	stats := conn.CongestionStats()
	require.Equal(t, 23, stats.PacketsInFlight)
	require.Equal(t, congestion.State_RECOVERY.String(), stats.State)
}

// ====================================================================
// Тесты менеджера путей
// ====================================================================

func TestPathChallengeRespondsImmediately(t *testing.T) {
	conn, sink := newTestConnection(t, false)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	challenge, _ := packet.NewPathChallengeData()
	newAddr := addrIP(192, 0, 2, 99, 7000)

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	sent := sink.count()
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathChallengeFrame{Data: challenge}}, nil, newAddr)

	require.Greater(t, sink.count(), sent)
	last := sink.last(t)
	require.Equal(t, newAddr.String(), last.addr.String())

	_, frames, _, err := packet.ParsePacket(last.data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	resp, ok := frames[0].(*packet.PathResponseFrame)
	require.True(t, ok)
	require.Equal(t, challenge, resp.Data)
}

// observeAndChallenge регистрирует новый адрес пира и возвращает
// данные отправленного challenge
func observeAndChallenge(t *testing.T, conn *Connection, sink *captureSink, peer *net.UDPAddr) [packet.PathChallengeSize]byte {
	t.Helper()
	sent := sink.count()
	conn.Observe(peer, addrIP(10, 0, 0, 1, 4000), sink.send)
	require.Greater(t, sink.count(), sent)

	_, frames, _, err := packet.ParsePacket(sink.last(t).data)
	require.NoError(t, err)
	challenge, ok := frames[0].(*packet.PathChallengeFrame)
	require.True(t, ok)
	return challenge.Data
}

func TestPathResponsePromotesPath(t *testing.T) {
	conn, sink := newTestConnection(t, false)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	oldActive := conn.ActivePath()
	newPeer := addrIP(192, 0, 2, 77, 7700)
	challenge := observeAndChallenge(t, conn, sink, newPeer)

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathResponseFrame{Data: challenge}}, nil, newPeer)

	active := conn.ActivePath()
	require.NotSame(t, oldActive, active)
	require.Equal(t, newPeer.String(), active.PeerAddr.String())
	require.True(t, active.IsValidated())
}

func TestPathResponseForgeryIgnored(t *testing.T) {
	conn, sink := newTestConnection(t, false)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	oldActive := conn.ActivePath()
	newPeer := addrIP(192, 0, 2, 77, 7700)
	challenge := observeAndChallenge(t, conn, sink, newPeer)

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}

	// Replay с чужого адреса активный путь не сдвигает
	attacker := addrIP(203, 0, 113, 13, 1313)
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathResponseFrame{Data: challenge}}, nil, attacker)
	require.Same(t, oldActive, conn.ActivePath())

	// Ответ, не совпадающий ни с одним challenge, молча игнорируется
	bogus, _ := packet.NewPathChallengeData()
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathResponseFrame{Data: bogus}}, nil, newPeer)
	require.Same(t, oldActive, conn.ActivePath())
}

func TestValidatedPathStaysValidated(t *testing.T) {
	conn, sink := newTestConnection(t, false)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	newPeer := addrIP(192, 0, 2, 77, 7700)
	challenge := observeAndChallenge(t, conn, sink, newPeer)

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathResponseFrame{Data: challenge}}, nil, newPeer)

	validated := conn.ActivePath()
	require.True(t, validated.IsValidated())

	// Дальнейший трафик и смены путей валидацию не снимают
	conn.ProcessPacket(hdr, nil, nil, newPeer)
	conn.Observe(addrIP(192, 0, 2, 78, 7800), addrIP(10, 0, 0, 1, 4000), sink.send)
	require.True(t, validated.IsValidated())
}

func TestMigrationSuccess(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	cidBefore := conn.ConnectionID()

	newLocal := addrIP(10, 0, 0, 2, 4001)
	sink2 := &captureSink{}
	done, err := conn.MigrateTo(newLocal, sink2.send)
	require.NoError(t, err)

	// Новый путь оптимистично активен, challenge ушёл с нового сокета
	require.Equal(t, newLocal.String(), conn.ActivePath().LocalAddr.String())
	require.Equal(t, 1, sink2.count())

	_, frames, _, err := packet.ParsePacket(sink2.last(t).data)
	require.NoError(t, err)
	challenge := frames[0].(*packet.PathChallengeFrame)

	hdr := &packet.Header{
		Type:                    packet.PacketType_SHORT,
		DestinationConnectionID: conn.ConnectionID(),
		SourceConnectionID:      peerCID,
	}
	conn.ProcessPacket(hdr, []packet.Frame{&packet.PathResponseFrame{Data: challenge.Data}}, nil, addr(5000))

	require.NoError(t, <-done)
	require.True(t, conn.ActivePath().IsValidated())
	require.Equal(t, newLocal.String(), conn.ActivePath().LocalAddr.String())

	// CID соединения миграцией не меняется
	require.Equal(t, cidBefore, conn.ConnectionID())
}

func TestMigrationRollbackOnTimeout(t *testing.T) {
	prevTimeout := PathValidationTimeout
	PathValidationTimeout = 50 * time.Millisecond
	defer func() { PathValidationTimeout = prevTimeout }()

	conn, _ := newTestConnection(t, true)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	oldActive := conn.ActivePath()

	sink2 := &captureSink{}
	done, err := conn.MigrateTo(addrIP(10, 0, 0, 2, 4001), sink2.send)
	require.NoError(t, err)

	// PATH_RESPONSE не приходит - откат на прежний путь
	require.ErrorIs(t, <-done, ErrPathValidationTimeout)
	require.Same(t, oldActive, conn.ActivePath())
}

func TestAtMostOneActivePath(t *testing.T) {
	conn, sink := newTestConnection(t, false)
	peerCID, _ := packet.GenerateConnectionID()
	establish(t, conn, peerCID)

	// Несколько кандидатских путей: активный всегда один
	for i := 0; i < 3; i++ {
		conn.Observe(addrIP(192, 0, 2, byte(50+i), 6000+i), addrIP(10, 0, 0, 1, 4000), sink.send)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	active := 0
	for _, p := range conn.paths {
		if p == conn.activePath {
			active++
		}
	}
	require.LessOrEqual(t, active, 1)
	require.NotNil(t, conn.activePath)
}

func TestSendRequiresPath(t *testing.T) {
	cid, _ := packet.GenerateConnectionID()
	conn, err := New(cid, true, nil, nil)
	require.NoError(t, err)

	err = conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}})
	require.ErrorIs(t, err, ErrNoActivePath)
}

func TestClosedConnectionRefusesSends(t *testing.T) {
	conn, _ := newTestConnection(t, true)
	conn.Close()

	err := conn.SendFrames([]packet.Frame{&packet.PaddingFrame{}})
	require.True(t, errors.Is(err, ErrConnectionClosed))
}
