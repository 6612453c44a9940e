// Package metrics holds the process-wide Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_frames_total",
			Help: "Websocket frames received.",
		},
		[]string{"venue"},
	)
	PayloadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_payload_errors_total",
			Help: "Application payloads dropped as malformed or unrecognised.",
		},
		[]string{"venue"},
	)
	RecordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_records_total",
			Help: "Records appended to output files.",
		},
		[]string{"stream"},
	)
	FileRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_rotations_total",
			Help: "Output files opened.",
		},
		[]string{"stream"},
	)
	WriterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_writer_failures_total",
			Help: "Output streams that failed.",
		},
		[]string{"stream"},
	)
	SessionExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_session_exits_total",
			Help: "Stream session socket loops that ended.",
		},
		[]string{"venue"},
	)
	SchedulerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_scheduler_events_total",
			Help: "Window scheduler and symbol pool lifecycle events.",
		},
		[]string{"event"},
	)
	SessionsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bookrec_sessions_running",
			Help: "Stream sessions currently connected or connecting.",
		},
		[]string{"venue"},
	)
	PublishDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_publish_dropped_total",
			Help: "Decimated snapshots dropped because the publish queue was full.",
		},
		[]string{"publisher"},
	)
	PublishErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_publish_errors_total",
			Help: "Decimated snapshots a publisher failed to deliver.",
		},
		[]string{"publisher"},
	)
	ArchiveUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bookrec_archive_uploads_total",
			Help: "Closed files handled by the archiver, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		Frames,
		PayloadErrors,
		RecordsWritten,
		FileRotations,
		WriterFailures,
		SessionExits,
		SchedulerEvents,
		SessionsRunning,
		PublishDropped,
		PublishErrors,
		ArchiveUploads,
	)
}
