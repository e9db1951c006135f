package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics are process wide; the bridge may run several sessions at
// once, one per browser tab.
var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mumble_frames_received_total",
		Help: "Control channel frames received, by message type",
	}, []string{"type"})

	voicePacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mumble_voice_packets_total",
		Help: "Tunnelled voice packets received, by codec target",
	}, []string{"target"})

	voicePacketsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mumble_voice_packets_malformed_total",
		Help: "Voice packets that ended before a declared field",
	})

	voiceFramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mumble_voice_frames_decoded_total",
		Help: "Compressed voice frames decoded and written to the sink",
	})

	voiceDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mumble_voice_decode_errors_total",
		Help: "Voice frames the codec could not decode",
	})

	pingsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mumble_pings_sent_total",
		Help: "Keep-alive pings sent",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mumble_active_sessions",
		Help: "Sessions currently running",
	})

	bridgeFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mumble_bridge_frames_dropped_total",
		Help: "PCM frames dropped because a browser fell behind",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mumble_sessions_ended_total",
		Help: "Sessions that stopped, by reason",
	}, []string{"reason"})
)
