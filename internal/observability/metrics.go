package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TCPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_tcp_connections_total",
		Help: "Total de conexiones TCP aceptadas",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avl_tcp_connections_active",
		Help: "Conexiones TCP abiertas en este momento",
	})
	HandshakeOK = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_ok_total",
		Help: "Total de handshakes IMEI ok",
	})
	HandshakeRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_handshake_rejected_total",
		Help: "Handshakes rechazados por IMEI inválido o incompleto",
	})
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_protocol_violations_total",
		Help: "Paquetes recibidos en una conexión ya cerrada por la sesión",
	})
	PacketsRecv = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_packets_received_total",
		Help: "Total de paquetes AVL recibidos (frames)",
	})
	RecordsAck = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_records_ack_total",
		Help: "Total de registros AVL confirmados (ACK a Teltonika)",
	})
	RecordsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_records_decoded_total",
		Help: "Registros AVL decodificados por variante de codec",
	}, []string{"codec"})
	TruncatedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_truncated_frames_total",
		Help: "Frames con menos registros decodificados que los declarados",
	})
	UnsupportedCodec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_unsupported_codec_total",
		Help: "Frames con codec id no soportado",
	}, []string{"codec_id"})
	CRCMismatch = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_crc_mismatch_total",
		Help: "Frames cuyo CRC declarado no coincide con el calculado",
	})
	RegisterErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_register_errors_total",
		Help: "Errores al registrar el dispositivo tras el handshake",
	})
	RawPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_raw_persist_errors_total",
		Help: "Errores al guardar el frame crudo (cierran la conexión)",
	})
	RecordPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avl_record_persist_errors_total",
		Help: "Errores al guardar registros decodificados",
	})
	ForwardErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_forward_errors_total",
		Help: "Errores al reenviar registros a destinos externos",
	}, []string{"sink"})
	ForwardDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avl_forward_dropped_total",
		Help: "Eventos descartados porque la cola del destino externo estaba llena",
	}, []string{"sink"})
	ParseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avl_parse_latency_seconds",
		Help:    "Latencia del parseo por frame",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveParseLatency(start time.Time) {
	ParseLatency.Observe(time.Since(start).Seconds())
}

// NewMetricsServer expone /metrics y /healthz. El caller decide cuándo
// llamar ListenAndServe y Shutdown.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
