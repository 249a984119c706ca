// Package metrics exposes the node's Prometheus metric vectors: routing
// cache/table sizes, link/queue gauges and counters, and per-interface
// LoRa/BLE traffic and discipline counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const (
	namespace = "runcore"
)

// Label names shared across metric vectors.
const (
	labelVerdict = "verdict"
	labelFrom    = "from"
	labelTo      = "to"
)

// Collector holds every Prometheus metric the node reports.
type Collector struct {
	// Routing.
	AnnounceCacheSize prometheus.Gauge
	PathTableSize     prometheus.Gauge
	AnnouncesTotal    *prometheus.CounterVec

	// Link cache and pending-message queue.
	QueuedMessages         prometheus.Gauge
	ExpiredMessages        prometheus.Counter
	DroppedOnClose         prometheus.Counter
	LinksActive            prometheus.Gauge
	LinkStateTransitions   *prometheus.CounterVec

	// LoRa interface.
	LoraTxTotal                 prometheus.Counter
	LoraRxTotal                 prometheus.Counter
	LoraDutyCycleRejectionTotal prometheus.Counter
	LoraCsmaBackoffTotal        prometheus.Counter
	LoraDutyCycleRemainingPct   prometheus.Gauge

	// BLE interface.
	BleTxTotal                  prometheus.Counter
	BleRxTotal                  prometheus.Counter
	BleFragmentsReassembledTotal prometheus.Counter
	BleReassemblyTimeoutsTotal   prometheus.Counter
}

// NewCollector builds a Collector and registers every metric against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.AnnounceCacheSize,
		c.PathTableSize,
		c.AnnouncesTotal,
		c.QueuedMessages,
		c.ExpiredMessages,
		c.DroppedOnClose,
		c.LinksActive,
		c.LinkStateTransitions,
		c.LoraTxTotal,
		c.LoraRxTotal,
		c.LoraDutyCycleRejectionTotal,
		c.LoraCsmaBackoffTotal,
		c.LoraDutyCycleRemainingPct,
		c.BleTxTotal,
		c.BleRxTotal,
		c.BleFragmentsReassembledTotal,
		c.BleReassemblyTimeoutsTotal,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		AnnounceCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "announce_cache_size",
			Help:      "Number of entries currently held in the announce dedup cache.",
		}),
		PathTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "path_table_size",
			Help:      "Number of destinations with at least one known path.",
		}),
		AnnouncesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announces_total",
			Help:      "Total inbound announces processed, by verdict.",
		}, []string{labelVerdict}),

		QueuedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_messages",
			Help:      "Number of outbound messages currently queued awaiting link activation.",
		}),
		ExpiredMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_messages",
			Help:      "Total queued messages discarded for exceeding the queue TTL.",
		}),
		DroppedOnClose: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_on_close",
			Help:      "Total queued messages discarded because their link closed before activation.",
		}),
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_active",
			Help:      "Number of links currently held in the link cache.",
		}),
		LinkStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_state_transitions_total",
			Help:      "Total link state transitions, labeled by from/to state.",
		}, []string{labelFrom, labelTo}),

		LoraTxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_tx_total",
			Help:      "Total LoRa frames transmitted.",
		}),
		LoraRxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_rx_total",
			Help:      "Total LoRa frames received.",
		}),
		LoraDutyCycleRejectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_duty_cycle_rejections_total",
			Help:      "Total LoRa transmissions refused by the duty-cycle limiter.",
		}),
		LoraCsmaBackoffTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lora_csma_backoff_total",
			Help:      "Total CSMA backoff waits before a LoRa transmission.",
		}),
		LoraDutyCycleRemainingPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lora_duty_cycle_remaining_percent",
			Help:      "Remaining LoRa duty-cycle budget as a percentage of the window budget.",
		}),

		BleTxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ble_tx_total",
			Help:      "Total BLE fragments transmitted.",
		}),
		BleRxTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ble_rx_total",
			Help:      "Total BLE fragments received.",
		}),
		BleFragmentsReassembledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ble_fragments_reassembled_total",
			Help:      "Total BLE packets successfully reassembled from fragments.",
		}),
		BleReassemblyTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ble_reassembly_timeouts_total",
			Help:      "Total BLE reassemblies abandoned for exceeding the reassembly timeout.",
		}),
	}
}

// RecordAnnounce increments the announces counter for the given verdict,
// one of "new", "duplicate", or "better_path".
func (c *Collector) RecordAnnounce(verdict string) {
	c.AnnouncesTotal.WithLabelValues(verdict).Inc()
}

// RecordLinkStateTransition increments the transition counter for a
// from/to state pair.
func (c *Collector) RecordLinkStateTransition(from, to string) {
	c.LinkStateTransitions.WithLabelValues(from, to).Inc()
}

// SetQueuedMessages implements linkqueue.MetricsSink.
func (c *Collector) SetQueuedMessages(n int) { c.QueuedMessages.Set(float64(n)) }

// AddExpiredMessages implements linkqueue.MetricsSink.
func (c *Collector) AddExpiredMessages(n int) { c.ExpiredMessages.Add(float64(n)) }

// AddDroppedOnClose implements linkqueue.MetricsSink.
func (c *Collector) AddDroppedOnClose(n int) { c.DroppedOnClose.Add(float64(n)) }

// SetLinksActive implements linkqueue.MetricsSink.
func (c *Collector) SetLinksActive(n int) { c.LinksActive.Set(float64(n)) }

// SetAnnounceCacheSize reports the announce dedup cache's current size.
func (c *Collector) SetAnnounceCacheSize(n int) { c.AnnounceCacheSize.Set(float64(n)) }

// SetPathTableSize reports the routing table's current destination count.
func (c *Collector) SetPathTableSize(n int) { c.PathTableSize.Set(float64(n)) }

// IncLoraTx increments the LoRa transmit counter.
func (c *Collector) IncLoraTx() { c.LoraTxTotal.Inc() }

// IncLoraRx increments the LoRa receive counter.
func (c *Collector) IncLoraRx() { c.LoraRxTotal.Inc() }

// IncLoraDutyCycleRejection increments the duty-cycle rejection counter.
func (c *Collector) IncLoraDutyCycleRejection() { c.LoraDutyCycleRejectionTotal.Inc() }

// IncLoraCsmaBackoff increments the CSMA backoff counter.
func (c *Collector) IncLoraCsmaBackoff() { c.LoraCsmaBackoffTotal.Inc() }

// SetLoraDutyCycleRemainingPercent reports the limiter's remaining budget.
func (c *Collector) SetLoraDutyCycleRemainingPercent(pct float64) {
	c.LoraDutyCycleRemainingPct.Set(pct)
}

// IncBleTx increments the BLE transmit counter.
func (c *Collector) IncBleTx() { c.BleTxTotal.Inc() }

// IncBleRx increments the BLE receive counter.
func (c *Collector) IncBleRx() { c.BleRxTotal.Inc() }

// IncBleFragmentsReassembled increments the successful-reassembly counter.
func (c *Collector) IncBleFragmentsReassembled() { c.BleFragmentsReassembledTotal.Inc() }

// IncBleReassemblyTimeouts increments the abandoned-reassembly counter.
func (c *Collector) IncBleReassemblyTimeouts() { c.BleReassemblyTimeoutsTotal.Inc() }

func gaugeSnapshot(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterSnapshot(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// QueuedMessagesValue returns the current queued_messages gauge reading,
// for the /stats JSON endpoint.
func (c *Collector) QueuedMessagesValue() int { return int(gaugeSnapshot(c.QueuedMessages)) }

// ExpiredMessagesValue returns the cumulative expired_messages count.
func (c *Collector) ExpiredMessagesValue() int { return int(counterSnapshot(c.ExpiredMessages)) }

// DroppedOnCloseValue returns the cumulative dropped_on_close count.
func (c *Collector) DroppedOnCloseValue() int { return int(counterSnapshot(c.DroppedOnClose)) }

// LoraTxValue returns the cumulative LoRa transmit count.
func (c *Collector) LoraTxValue() int { return int(counterSnapshot(c.LoraTxTotal)) }

// LoraRxValue returns the cumulative LoRa receive count.
func (c *Collector) LoraRxValue() int { return int(counterSnapshot(c.LoraRxTotal)) }

// BleTxValue returns the cumulative BLE transmit count.
func (c *Collector) BleTxValue() int { return int(counterSnapshot(c.BleTxTotal)) }

// BleRxValue returns the cumulative BLE receive count.
func (c *Collector) BleRxValue() int { return int(counterSnapshot(c.BleRxTotal)) }
