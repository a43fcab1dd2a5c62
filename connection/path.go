package connection

import (
	"net"
	"time"
)

// ====================================================================
// Пути соединения
// ====================================================================
//
// Path - пара (локальный адрес, адрес пира), по которой соединение
// может отправлять и принимать датаграммы. На каждую наблюдаемую
// пару адресов - один Path; активный Path у соединения не больше
// одного (до первого пакета его нет).
//
// Новый Path, замеченный при смене адреса пира, проходит валидацию
// PATH_CHALLENGE/PATH_RESPONSE и только после неё становится
// активным. Исключение - клиентская миграция (MigrateTo): новый
// путь становится активным сразу и откатывается, если ответ не
// пришёл. Флаг isValidated переключается строго false → true по
// совпавшему PATH_RESPONSE; путь первого пакета (EnsurePath)
// создаётся уже провалидированным.
//
// Path не держит ссылку на Connection: владение одностороннее,
// циклов нет.
//
// ====================================================================

// PathValidationTimeout - окно ожидания PATH_RESPONSE при
// клиентской миграции, после него - откат на прежний путь
var PathValidationTimeout = 3 * time.Second

// Path - один сетевой путь соединения
type Path struct {
	// LocalAddr - локальный адрес пути
	LocalAddr *net.UDPAddr

	// PeerAddr - адрес пира
	PeerAddr *net.UDPAddr

	// isValidated - путь подтверждён PATH_RESPONSE
	// Переход только false → true, под мьютексом соединения
	isValidated bool

	// createdAt - время создания пути
	createdAt time.Time

	// migrationDone - при клиентской миграции сюда отдаётся
	// результат валидации (nil или ошибка отката)
	migrationDone chan error

	// send - функция отправки датаграмм этого пути
	// (у клиента каждый интерфейс имеет свой сокет)
	send SendFunc
}

// newPath создаёт непровалидированный путь
func newPath(local, peer *net.UDPAddr, send SendFunc) *Path {
	return &Path{
		LocalAddr: local,
		PeerAddr:  peer,
		createdAt: time.Now(),
		send:      send,
	}
}

// IsValidated сообщает, прошёл ли путь валидацию
// Снимок без блокировки: использовать только для статистики и логов
func (p *Path) IsValidated() bool {
	return p.isValidated
}

// sameAddr сравнивает два UDP-адреса по IP и порту
func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
