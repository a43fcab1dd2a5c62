package connection

import (
	"time"
)

// ====================================================================
// Детекция потерь
// ====================================================================
//
// Используемая эвристика намеренно проста: если в полёте больше
// MaxInFlightBeforeLoss пакетов и самый старый висит дольше
// LossTimeout - он объявляется потерянным.
//
// Эвристика вынесена за интерфейс LossDetector, чтобы машину
// состояний не трогать при замене на алгоритм RFC 9002
// (time-threshold / packet-threshold).
//
// ====================================================================

const (
	// MaxInFlightBeforeLoss - порог пакетов в полёте: эвристика
	// срабатывает, только когда их строго больше
	MaxInFlightBeforeLoss = 20

	// LossTimeout - возраст самого старого пакета, после которого
	// он считается потерянным
	LossTimeout = time.Second
)

// SentPacketInfo - учётная запись отправленного пакета
type SentPacketInfo struct {
	// PacketNumber - номер пакета
	PacketNumber uint64

	// SendTime - момент отправки
	SendTime time.Time

	// Size - размер датаграммы в байтах
	Size int
}

// LossDetector решает, считать ли самый старый пакет в полёте
// потерянным
type LossDetector interface {
	// OldestLost возвращает true, если oldest следует объявить
	// потерянным при inFlight пакетах в полёте
	OldestLost(now time.Time, oldest SentPacketInfo, inFlight int) bool
}

// thresholdLossDetector - эвристика по умолчанию (см. шапку файла)
type thresholdLossDetector struct {
	maxInFlight int
	timeout     time.Duration
}

// NewThresholdLossDetector создаёт детектор потерь по умолчанию
func NewThresholdLossDetector() LossDetector {
	return &thresholdLossDetector{
		maxInFlight: MaxInFlightBeforeLoss,
		timeout:     LossTimeout,
	}
}

func (d *thresholdLossDetector) OldestLost(now time.Time, oldest SentPacketInfo, inFlight int) bool {
	return inFlight > d.maxInFlight && now.Sub(oldest.SendTime) >= d.timeout
}
