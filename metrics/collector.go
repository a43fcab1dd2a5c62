package metrics

import (
	"encoding/hex"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/it2konst/quicpath/congestion"
	"github.com/it2konst/quicpath/transport"
)

// ====================================================================
// Prometheus-метрики quicpath
// ====================================================================
//
// Коллектор на каждый Collect проходит по живым соединениям
// эндпоинта и снимает статистику CUBIC и RTT. Состояние
// контроллера кодируется числом: 0 = SLOW_START,
// 1 = CONGESTION_AVOIDANCE, 2 = RECOVERY.
//
// ====================================================================

// EndpointCollector - prometheus.Collector поверх одного эндпоинта
type EndpointCollector struct {
	endpoint *transport.Endpoint

	cwnd          *prometheus.Desc
	ssthresh      *prometheus.Desc
	inFlight      *prometheus.Desc
	state         *prometheus.Desc
	smoothedRTT   *prometheus.Desc
	minRTT        *prometheus.Desc
	wMax          *prometheus.Desc
	largestAcked  *prometheus.Desc
	nextPacketNum *prometheus.Desc

	packetsReceived *prometheus.Desc
	packetsDropped  *prometheus.Desc
	unknownDropped  *prometheus.Desc
	bytesReceived   *prometheus.Desc
	connections     *prometheus.Desc
}

// NewEndpointCollector создаёт коллектор метрик эндпоинта
// prefix - префикс имён метрик (обычно "quicpath")
func NewEndpointCollector(endpoint *transport.Endpoint, prefix string) *EndpointCollector {
	connLabels := []string{"cid"}
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prefix+"_"+name, help, labels, nil)
	}

	return &EndpointCollector{
		endpoint: endpoint,

		cwnd:          desc("cwnd_packets", "Congestion window in packets.", connLabels),
		ssthresh:      desc("ssthresh_packets", "Slow start threshold in packets.", connLabels),
		inFlight:      desc("in_flight_packets", "Packets sent but not yet acknowledged.", connLabels),
		state:         desc("congestion_state", "CUBIC state: 0 slow start, 1 congestion avoidance, 2 recovery.", connLabels),
		smoothedRTT:   desc("smoothed_rtt_ms", "Smoothed round-trip time in milliseconds.", connLabels),
		minRTT:        desc("min_rtt_ms", "Minimum accepted RTT sample in milliseconds.", connLabels),
		wMax:          desc("w_max_packets", "Window before the last congestion event.", connLabels),
		largestAcked:  desc("largest_acked_packet", "Largest acknowledged packet number.", connLabels),
		nextPacketNum: desc("next_packet_number", "Next outbound packet number.", connLabels),

		packetsReceived: desc("endpoint_packets_received_total", "Datagrams received by the endpoint.", nil),
		packetsDropped:  desc("endpoint_packets_dropped_total", "Datagrams dropped due to codec errors.", nil),
		unknownDropped:  desc("endpoint_unknown_dropped_total", "Datagrams dropped for an unknown connection ID.", nil),
		bytesReceived:   desc("endpoint_bytes_received_total", "Bytes received by the endpoint.", nil),
		connections:     desc("endpoint_connections", "Live connections owned by the endpoint.", nil),
	}
}

// Describe отдаёт дескрипторы всех метрик
func (c *EndpointCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.cwnd
	descs <- c.ssthresh
	descs <- c.inFlight
	descs <- c.state
	descs <- c.smoothedRTT
	descs <- c.minRTT
	descs <- c.wMax
	descs <- c.largestAcked
	descs <- c.nextPacketNum
	descs <- c.packetsReceived
	descs <- c.packetsDropped
	descs <- c.unknownDropped
	descs <- c.bytesReceived
	descs <- c.connections
}

// Collect снимает метрики с живых соединений
func (c *EndpointCollector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.endpoint.Stats()
	metrics <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(stats.PacketsReceived))
	metrics <- prometheus.MustNewConstMetric(c.packetsDropped, prometheus.CounterValue, float64(stats.PacketsDropped))
	metrics <- prometheus.MustNewConstMetric(c.unknownDropped, prometheus.CounterValue, float64(stats.UnknownDropped))
	metrics <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(stats.BytesReceived))
	metrics <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(stats.Connections))

	for _, conn := range c.endpoint.Connections() {
		cid := hex.EncodeToString(conn.ConnectionID())
		s := conn.CongestionStats()

		metrics <- prometheus.MustNewConstMetric(c.cwnd, prometheus.GaugeValue, float64(s.Cwnd), cid)
		metrics <- prometheus.MustNewConstMetric(c.ssthresh, prometheus.GaugeValue, float64(s.Ssthresh), cid)
		metrics <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.PacketsInFlight), cid)
		metrics <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, stateValue(s.State), cid)
		metrics <- prometheus.MustNewConstMetric(c.smoothedRTT, prometheus.GaugeValue, s.SmoothedRTTMs, cid)
		metrics <- prometheus.MustNewConstMetric(c.minRTT, prometheus.GaugeValue, s.MinRTTMs, cid)
		metrics <- prometheus.MustNewConstMetric(c.wMax, prometheus.GaugeValue, s.WMax, cid)
		metrics <- prometheus.MustNewConstMetric(c.largestAcked, prometheus.GaugeValue, float64(s.LargestAcked), cid)
		metrics <- prometheus.MustNewConstMetric(c.nextPacketNum, prometheus.GaugeValue, float64(s.NextPacketNumber), cid)
	}
}

// stateValue кодирует имя состояния CUBIC числом
func stateValue(state string) float64 {
	switch state {
	case congestion.State_SLOW_START.String():
		return 0
	case congestion.State_CONGESTION_AVOIDANCE.String():
		return 1
	case congestion.State_RECOVERY.String():
		return 2
	default:
		return -1
	}
}
