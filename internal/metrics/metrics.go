// Package metrics provides Prometheus metrics for the frame pipeline,
// the preview relay and the encoder, plus a cached snapshot for the
// status API.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "framerelay"

var (
	framesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "delivered_total",
		Help:      "Frames written to the encoder channel",
	})

	frameBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "bytes_total",
		Help:      "Frame bytes written to the encoder channel",
	})

	framesVanished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "vanished_total",
		Help:      "Listed frames that disappeared before they could be read",
	})

	frameDeleteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "frames",
		Name:      "delete_errors_total",
		Help:      "Delivered frames whose file could not be removed",
	})

	relayPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "packets_total",
		Help:      "Datagrams sent per preview destination",
	}, []string{"destination"})

	relayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "errors_total",
		Help:      "Failed datagram sends per preview destination",
	}, []string{"destination"})

	relayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Datagrams dropped because a destination queue was full",
	}, []string{"destination"})

	pipelineState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "state",
		Help:      "Orchestrator state (0 idle .. 5 terminated)",
	})

	encoderFPS = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "fps",
		Help:      "Encoder throughput in frames per second",
	})

	encoderSpeed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "speed",
		Help:      "Encoder speed relative to real time",
	})

	encoderFrame = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "encoder",
		Name:      "frame",
		Help:      "Last frame number reported by the encoder",
	})

	cache   Values
	cacheMu sync.RWMutex
)

// Values is a point-in-time copy of the pipeline counters.
type Values struct {
	FramesDelivered   uint64  `json:"frames_delivered"`
	FrameBytes        uint64  `json:"frame_bytes"`
	FramesVanished    uint64  `json:"frames_vanished"`
	FrameDeleteErrors uint64  `json:"frame_delete_errors"`
	RelayPackets      uint64  `json:"relay_packets"`
	RelayErrors       uint64  `json:"relay_errors"`
	RelayDropped      uint64  `json:"relay_dropped"`
	EncoderFPS        float64 `json:"encoder_fps"`
	EncoderSpeed      float64 `json:"encoder_speed"`
	EncoderFrame      float64 `json:"encoder_frame"`
}

// FrameDelivered records a frame of n bytes handed to the encoder.
func FrameDelivered(n int64) {
	framesDelivered.Inc()
	frameBytes.Add(float64(n))
	update(func(v *Values) {
		v.FramesDelivered++
		v.FrameBytes += uint64(n)
	})
}

// FrameVanished records a frame that disappeared before it was read.
func FrameVanished() {
	framesVanished.Inc()
	update(func(v *Values) { v.FramesVanished++ })
}

// FrameDeleteFailed records a delivered frame that could not be removed.
func FrameDeleteFailed() {
	frameDeleteErrors.Inc()
	update(func(v *Values) { v.FrameDeleteErrors++ })
}

// RelayPacket records a datagram sent to destination.
func RelayPacket(destination string) {
	relayPackets.WithLabelValues(destination).Inc()
	update(func(v *Values) { v.RelayPackets++ })
}

// RelayError records a failed send to destination.
func RelayError(destination string) {
	relayErrors.WithLabelValues(destination).Inc()
	update(func(v *Values) { v.RelayErrors++ })
}

// RelayDropped records a datagram dropped for destination.
func RelayDropped(destination string) {
	relayDropped.WithLabelValues(destination).Inc()
	update(func(v *Values) { v.RelayDropped++ })
}

// SetPipelineState records the orchestrator state ordinal.
func SetPipelineState(ordinal int) {
	pipelineState.Set(float64(ordinal))
}

// SetEncoderProgress records the latest encoder progress report.
func SetEncoderProgress(frame, fps, speed float64) {
	encoderFrame.Set(frame)
	encoderFPS.Set(fps)
	encoderSpeed.Set(speed)
	update(func(v *Values) {
		v.EncoderFrame = frame
		v.EncoderFPS = fps
		v.EncoderSpeed = speed
	})
}

// Snapshot returns a copy of the current values.
func Snapshot() Values {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	return cache
}

func update(fn func(*Values)) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	fn(&cache)
}
