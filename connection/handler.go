package connection

import (
	"net"

	"github.com/it2konst/quicpath/packet"
)

// ====================================================================
// Прикладные колбэки
// ====================================================================
//
// Транспорт не знает о файлах: прикладные события уходят в Handler,
// который задаётся при создании эндпоинта. Две реализации -
// клиентская и серверная - живут в пакетах client и server.
// Проводка видна статически, никакой динамической подмены методов.
//
// ====================================================================

// Handler - приёмник прикладных событий соединения
type Handler interface {
	// OnHandshakeComplete вызывается один раз на соединение,
	// когда оно переходит в established
	OnHandshakeComplete(conn *Connection)

	// OnFileRequest вызывается на сервере при получении FILE_REQUEST
	OnFileRequest(conn *Connection, frame *packet.FileRequestFrame, addr *net.UDPAddr)

	// OnFileResponse вызывается на клиенте при получении FILE_RESPONSE
	OnFileResponse(conn *Connection, frame *packet.FileResponseFrame)

	// OnFileData вызывается на клиенте на каждый FILE_DATA
	OnFileData(conn *Connection, frame *packet.FileDataFrame)
}

// NopHandler - реализация Handler, игнорирующая все события
// Удобна как база для сторон, которым нужна часть колбэков
type NopHandler struct{}

func (NopHandler) OnHandshakeComplete(*Connection) {}

func (NopHandler) OnFileRequest(*Connection, *packet.FileRequestFrame, *net.UDPAddr) {}

func (NopHandler) OnFileResponse(*Connection, *packet.FileResponseFrame) {}

func (NopHandler) OnFileData(*Connection, *packet.FileDataFrame) {}
