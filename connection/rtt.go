package connection

import (
	"time"
)

// ====================================================================
// Оценка RTT уровня соединения
// ====================================================================
//
// Стандартный QUIC-сглаживатель (RFC 9002 §5), отдельный от простой
// EWMA внутри CUBIC:
//
//   первый сэмпл:  smoothed_rtt = rtt; rtt_variance = rtt/2
//   далее:         rtt_variance = 3/4·rtt_variance + 1/4·|smoothed − rtt|
//                  smoothed_rtt = 7/8·smoothed_rtt + 1/8·rtt
//
// Сэмплы ≤ 1 мс отбрасываются как артефакты часов и сглаживатель
// не трогают. min_rtt - минимальный принятый сэмпл.
//
// ====================================================================

// minRTTSample - порог отбраковки сэмплов (артефакты часов)
const minRTTSample = time.Millisecond

// RTTEstimator - сглаживатель RTT одного соединения
// Не потокобезопасен: мутируется только под мьютексом соединения
type RTTEstimator struct {
	smoothedRTT time.Duration
	rttVariance time.Duration
	minRTT      time.Duration
	latestRTT   time.Duration
	samples     int
}

// AddSample учитывает очередной сэмпл RTT
// Возвращает false, если сэмпл отброшен как артефакт часов
func (e *RTTEstimator) AddSample(rtt time.Duration) bool {
	if rtt <= minRTTSample {
		return false
	}

	e.latestRTT = rtt

	if e.minRTT == 0 || rtt < e.minRTT {
		e.minRTT = rtt
	}

	if e.samples == 0 {
		e.smoothedRTT = rtt
		e.rttVariance = rtt / 2
	} else {
		diff := e.smoothedRTT - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttVariance = (3*e.rttVariance + diff) / 4
		e.smoothedRTT = (7*e.smoothedRTT + rtt) / 8
	}

	e.samples++
	return true
}

// SmoothedRTT возвращает сглаженный RTT (0 до первого сэмпла)
func (e *RTTEstimator) SmoothedRTT() time.Duration { return e.smoothedRTT }

// Variance возвращает текущую оценку вариации RTT
func (e *RTTEstimator) Variance() time.Duration { return e.rttVariance }

// MinRTT возвращает минимальный принятый сэмпл (0 до первого сэмпла)
func (e *RTTEstimator) MinRTT() time.Duration { return e.minRTT }

// LatestRTT возвращает последний принятый сэмпл
func (e *RTTEstimator) LatestRTT() time.Duration { return e.latestRTT }

// Samples возвращает число принятых сэмплов
func (e *RTTEstimator) Samples() int { return e.samples }
