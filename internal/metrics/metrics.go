package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus метрики для мониторинга работы транспорта
var (
	// Счетчик отправленных пакетов
	PromTxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_tx_packets_total",
		Help: "Total transmitted packets",
	})
	// Счетчик отправленных байт
	PromTxBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_tx_bytes_total",
		Help: "Total transmitted bytes",
	})
	// Счетчик пакетов, отброшенных из-за отсутствия известного endpoint'а
	PromTxNoEndpoint = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_tx_no_endpoint_total",
		Help: "Packets dropped because no client endpoint is known",
	})
	// Счетчик принятых пакетов
	PromRxPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_rx_packets_total",
		Help: "Total received packets",
	})
	// Счетчик принятых байт
	PromRxBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_rx_bytes_total",
		Help: "Total received bytes",
	})
	// Счетчик битых датаграмм (короче минимальной длины типа)
	PromRxMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_rx_malformed_total",
		Help: "Total malformed datagrams discarded",
	})
	// Счетчик полностью собранных видео кадров
	PromFramesAssembled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_frames_assembled_total",
		Help: "Video access units fully reassembled",
	})
	// Счетчик кадров, вытесненных более новым frameIndex до полной сборки
	PromFramesSuperseded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_frames_superseded_total",
		Help: "Incomplete video access units discarded by a newer frame",
	})
	// Счетчик элементов, вытесненных из очередей диспетчеризации (drop-oldest)
	PromQueueEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_queue_evictions_total",
		Help: "Oldest elements evicted from full dispatch queues",
	})
	// Счетчик кадров восстановленных с помощью FEC
	PromFECRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_fec_recovered_total",
		Help: "Video access units recovered via parity shards",
	})
	// Счетчик принятых heartbeat'ов
	PromHeartbeats = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_heartbeats_total",
		Help: "Heartbeat datagrams received",
	})
	// Счетчик смен endpoint'а клиента
	PromEndpointChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "screenshare_endpoint_changes_total",
		Help: "Times the learned client endpoint changed",
	})
	// Индикатор наличия известного endpoint'а
	PromEndpointKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "screenshare_endpoint_known",
		Help: "1 when a client endpoint is currently known",
	})
)

// StartPrometheus запускает HTTP сервер с Prometheus метриками
func StartPrometheus(addr string) {
	prometheus.MustRegister(
		PromTxPackets, PromTxBytes, PromTxNoEndpoint,
		PromRxPackets, PromRxBytes, PromRxMalformed,
		PromFramesAssembled, PromFramesSuperseded, PromQueueEvictions,
		PromFECRecovered, PromHeartbeats, PromEndpointChanges, PromEndpointKnown,
	)
	http.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Printf("prometheus: listening on %s", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Printf("prometheus serve error: %v", err)
		}
	}()
}
