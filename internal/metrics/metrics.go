// Package metrics exposes the bridge's operational counters as Prometheus
// series via prometheus/client_golang.
package metrics

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	registerReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbridge_register_reads_total",
		Help: "Total register read attempts, labeled by outcome.",
	}, []string{"device", "register", "status"})

	readDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modbridge_read_duration_seconds",
		Help:    "Duration of a single register read.",
		Buckets: prometheus.DefBuckets,
	}, []string{"device", "register"})

	registerValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modbridge_register_value",
		Help: "Latest decoded value of a register.",
	}, []string{"device", "register"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbridge_errors_total",
		Help: "Total errors, labeled by class.",
	}, []string{"device", "type"})

	deviceConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modbridge_device_connected",
		Help: "1 if the device's session is currently connected, else 0.",
	}, []string{"device"})

	mqttPublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modbridge_mqtt_publishes_total",
		Help: "Total MQTT publish attempts, labeled by outcome.",
	}, []string{"device", "register", "status"})

	mqttConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbridge_mqtt_connected",
		Help: "1 if the MQTT publisher is currently connected, else 0.",
	})

	activeDevices = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbridge_active_devices",
		Help: "Number of devices configured at startup.",
	})

	pollCycleSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modbridge_poll_cycle_seconds",
		Help:    "Duration of one full poll cycle across a device's registers.",
		Buckets: prometheus.DefBuckets,
	}, []string{"device"})

	websocketConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "modbridge_websocket_connections",
		Help: "Number of currently connected WebSocket sessions.",
	})
)

func init() {
	prometheus.MustRegister(
		registerReadsTotal,
		readDurationSeconds,
		registerValue,
		errorsTotal,
		deviceConnected,
		mqttPublishesTotal,
		mqttConnected,
		activeDevices,
		pollCycleSeconds,
		websocketConnections,
	)
}

func IncRegisterRead(device, register, status string) {
	registerReadsTotal.WithLabelValues(device, register, status).Inc()
}

func ObserveReadDuration(device, register string, d time.Duration) {
	readDurationSeconds.WithLabelValues(device, register).Observe(d.Seconds())
}

func SetRegisterValue(device, register string, value float64) {
	registerValue.WithLabelValues(device, register).Set(value)
}

func IncError(device, errType string) {
	errorsTotal.WithLabelValues(device, errType).Inc()
}

func SetDeviceConnected(device string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	deviceConnected.WithLabelValues(device).Set(v)
}

func IncMQTTPublish(device, register, status string) {
	mqttPublishesTotal.WithLabelValues(device, register, status).Inc()
}

func SetMQTTConnected(connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	mqttConnected.Set(v)
}

func SetActiveDevices(n int) {
	activeDevices.Set(float64(n))
}

func ObservePollCycle(device string, d time.Duration) {
	pollCycleSeconds.WithLabelValues(device).Observe(d.Seconds())
}

func SetWebSocketConnections(n int) {
	websocketConnections.Set(float64(n))
}

// Handler returns the fiber handler for GET /metrics. It gathers the
// default registry and encodes it in the Prometheus text exposition
// format directly onto the fiber response body, since fiber's
// fasthttp-based Ctx has no net/http.ResponseWriter for promhttp.Handler
// to write through.
func Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		families, err := prometheus.DefaultGatherer.Gather()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		c.Set(fiber.HeaderContentType, string(expfmt.NewFormat(expfmt.TypeTextPlain)))
		enc := expfmt.NewEncoder(c.Response().BodyWriter(), expfmt.NewFormat(expfmt.TypeTextPlain))
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		return nil
	}
}
