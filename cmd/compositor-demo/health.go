package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/framecompositor"
	"github.com/e7canasta/orion-care-sensor/modules/framecompositor/source/gstsource"
)

// OutputHealth describes one compositor output
type OutputHealth struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Draws    uint64 `json:"draws"`
	Failures uint64 `json:"failures"`
}

// HealthStatus represents the health state of the demo
type HealthStatus struct {
	Status         string                  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	State          string                  `json:"state"`
	SourcePlaying  bool                    `json:"source_playing"`
	MQTTConnected  bool                    `json:"mqtt_connected,omitempty"`
	PreviewClients int                     `json:"preview_clients"`
	EncoderFPS     float64                 `json:"encoder_fps"`
	Outputs        map[string]OutputHealth `json:"outputs"`
}

// HealthCheck returns the current health status.
//
// Unhealthy when the render loop is not running; degraded when an output
// gave up re-initialising, the source is not playing or MQTT is down.
func (d *demo) HealthCheck() HealthStatus {
	st := d.comp.Stats()
	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(d.started).Seconds()),
		State:         st.State.String(),
		SourcePlaying: d.sourcePlaying(),
		EncoderFPS:    st.Pacing.FPSMean,
		Outputs: map[string]OutputHealth{
			"preview":  outputHealth(st.Preview),
			"encoder":  outputHealth(st.Encoder),
			"snapshot": outputHealth(st.Snapshot),
		},
	}
	if d.preview != nil {
		status.PreviewClients = d.preview.Stats().Clients
	}
	if d.mqttClient != nil {
		status.MQTTConnected = d.mqttClient.IsConnected()
	}

	switch {
	case st.State != framecompositor.StateRunning:
		status.Status = "unhealthy"
	case st.Preview.Degraded || st.Encoder.Degraded || st.Snapshot.Degraded,
		!status.SourcePlaying,
		d.mqttClient != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

func outputHealth(t framecompositor.TargetStats) OutputHealth {
	return OutputHealth{Ready: t.Ready, Degraded: t.Degraded, Draws: t.Draws, Failures: t.Failures}
}

func (d *demo) sourcePlaying() bool {
	switch s := d.source.(type) {
	case *gstsource.Source:
		return s.Stats().Playing
	case nil:
		return false
	default:
		return true
	}
}

// LivenessHandler handles /health (process liveness)
func (d *demo) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(d.started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. 503 only when unhealthy; degraded
// is still ready.
func (d *demo) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := d.HealthCheck()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

func (d *demo) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.LivenessHandler)
	mux.HandleFunc("/readiness", d.ReadinessHandler)
	return mux
}

// startHealthServer serves the health endpoints on addr (non-blocking).
func (d *demo) startHealthServer(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      d.healthMux(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("demo: starting health check server",
		"addr", addr,
		"endpoints", []string{"/health", "/readiness"},
	)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("demo: health check server failed", "error", err)
		}
	}()
	return server
}
