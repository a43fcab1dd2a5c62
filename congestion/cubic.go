package congestion

import (
	"math"
	"sync"
	"time"
)

// ====================================================================
// CUBIC - контроллер перегрузки quicpath
// ====================================================================
//
// Упрощение относительно RFC 8312: окно измеряется в ПАКЕТАХ,
// а не в байтах.
//
// Машина состояний:
//
//   SLOW_START ──(cwnd ≥ ssthresh)──► CONGESTION_AVOIDANCE
//        │                                  │        ▲
//        └───────(потеря)──► RECOVERY ◄─────┘        │
//                               │ (in_flight ≤ cwnd) │
//                               └────────────────────┘
//
// SLOW_START: каждый ACK увеличивает cwnd на 1.
// CONGESTION_AVOIDANCE и RECOVERY: рост по кубической кривой
//   W(t) = C·(t−K)³ + w_max, K = ∛(w_max·(1−β)/C),
// где t - время с последнего события перегрузки. Окно в этой
// ветке никогда не уменьшается.
// Потеря: w_max ← cwnd; cwnd ← max(min, ⌊cwnd·β⌋); ssthresh ← cwnd.
//
// Отправка допустима пока in_flight < cwnd.
//
// ====================================================================

// Состояние контроллера перегрузки
type State int32

const (
	State_SLOW_START           State = 0
	State_CONGESTION_AVOIDANCE State = 1
	State_RECOVERY             State = 2
)

// String возвращает имя состояния для логов и статистики
func (s State) String() string {
	switch s {
	case State_SLOW_START:
		return "SLOW_START"
	case State_CONGESTION_AVOIDANCE:
		return "CONGESTION_AVOIDANCE"
	case State_RECOVERY:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Параметры CUBIC
const (
	// BetaCubic - мультипликативный фактор уменьшения окна
	BetaCubic = 0.7

	// CubicC - фактор роста кубической кривой
	CubicC = 0.4

	// InitialWindow - начальное окно (пакеты)
	InitialWindow = 10

	// MinWindow - минимальное окно (пакеты)
	MinWindow = 2

	// MaxWindow - максимальное окно (пакеты)
	MaxWindow = 1000

	// InitialSlowStartThreshold - начальный порог slow start (пакеты)
	InitialSlowStartThreshold = 50

	// rttEWMAWeight - вес последнего сэмпла в простом EWMA RTT
	// контроллера (соединение держит свой, более точный сглаживатель)
	rttEWMAWeight = 0.2

	// initialRTTEstimateMs - начальная оценка RTT до первого сэмпла
	initialRTTEstimateMs = 100
)

// Stats - снимок состояния контроллера
type Stats struct {
	Cwnd     int     `json:"cwnd"`
	Ssthresh int     `json:"ssthresh"`
	State    string  `json:"state"`
	RTTMs    float64 `json:"rttMs"`
	InFlight int     `json:"inFlight"`
	WMax     float64 `json:"wMax"`
}

// Cubic - контроллер перегрузки одного соединения
type Cubic struct {
	mu sync.Mutex

	// cwnd - окно перегрузки (пакеты)
	cwnd int

	// ssthresh - порог slow start (пакеты)
	ssthresh int

	// state - текущее состояние машины
	state State

	// lastCongestionTime - время последнего события перегрузки
	lastCongestionTime time.Time

	// wMax - окно перед последним событием перегрузки
	wMax float64

	// rttEstimateMs - простая EWMA-оценка RTT (мс)
	rttEstimateMs float64

	// inFlight - отправлено, но не подтверждено (пакеты)
	inFlight int
}

// NewCubic создаёт контроллер в состоянии SLOW_START
func NewCubic() *Cubic {
	return &Cubic{
		cwnd:          InitialWindow,
		ssthresh:      InitialSlowStartThreshold,
		state:         State_SLOW_START,
		rttEstimateMs: initialRTTEstimateMs,
	}
}

// CanSend сообщает, допускает ли окно отправку ещё одного пакета
func (c *Cubic) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight < c.cwnd
}

// OnPacketSent учитывает отправленный пакет
func (c *Cubic) OnPacketSent(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight++
}

// OnPacketAcked учитывает подтверждённый пакет и продвигает машину
func (c *Cubic) OnPacketAcked(size int, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}

	rttMs := float64(rtt) / float64(time.Millisecond)
	if rttMs < 1 {
		rttMs = 1
	}
	c.rttEstimateMs = (1-rttEWMAWeight)*c.rttEstimateMs + rttEWMAWeight*rttMs

	now := time.Now()

	switch c.state {
	case State_SLOW_START:
		c.cwnd++
		if c.cwnd >= c.ssthresh {
			c.state = State_CONGESTION_AVOIDANCE
		}

	case State_CONGESTION_AVOIDANCE:
		c.cubicUpdate(now)

	case State_RECOVERY:
		c.cubicUpdate(now)
		if c.inFlight <= c.cwnd {
			c.state = State_CONGESTION_AVOIDANCE
		}
	}
}

// OnPacketLost учитывает потерянный пакет: мультипликативное
// уменьшение окна и переход в RECOVERY
func (c *Cubic) OnPacketLost(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight > 0 {
		c.inFlight--
	}

	c.wMax = float64(c.cwnd)

	c.cwnd = int(float64(c.cwnd) * BetaCubic)
	if c.cwnd < MinWindow {
		c.cwnd = MinWindow
	}
	c.ssthresh = c.cwnd

	c.state = State_RECOVERY
	c.lastCongestionTime = time.Now()
}

// cubicUpdate пересчитывает окно по кубической кривой
// Вызывается под мьютексом
func (c *Cubic) cubicUpdate(now time.Time) {
	t := now.Sub(c.lastCongestionTime).Seconds()
	if t < 0.001 {
		return
	}

	k := math.Cbrt(c.wMax * (1 - BetaCubic) / CubicC)
	w := CubicC*math.Pow(t-k, 3) + c.wMax

	if w < MinWindow {
		w = MinWindow
	}
	if w > MaxWindow {
		w = MaxWindow
	}

	// Окно в этой ветке только растёт
	if int(w) > c.cwnd {
		c.cwnd = int(w)
	}
}

// Window возвращает текущее окно перегрузки
func (c *Cubic) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd
}

// InFlight возвращает число неподтверждённых пакетов
func (c *Cubic) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// State возвращает текущее состояние машины
func (c *Cubic) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats возвращает снимок статистики контроллера
func (c *Cubic) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Cwnd:     c.cwnd,
		Ssthresh: c.ssthresh,
		State:    c.state.String(),
		RTTMs:    c.rttEstimateMs,
		InFlight: c.inFlight,
		WMax:     c.wMax,
	}
}
