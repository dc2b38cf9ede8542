// Package intakeflow is a runtime for security telemetry collectors: each
// configured stream pulls events from a vendor API, a storage notification
// queue or a broker and forwards them, byte for byte, to the intake bus.
//
// # Architecture
//
// One process runs many streams as sibling workers under a supervisor:
//
//  1. Sources produce bounded batches. Time-window pollers, cursor walkers,
//     queue consumers and long-lived stream subscribers share one Batch type.
//
//  2. The Runner pushes each batch to the intake and only then commits the
//     checkpoint or acks the upstream messages. A crash replays, never loses.
//
//  3. The supervisor recreates dead workers every few seconds. A worker
//     failing on configuration is marked unhealthy and left alone; its
//     siblings keep running.
//
// # Quick Start
//
//	intake:
//	  url: https://intake.sekoia.io
//	data_path: /var/lib/intakeflow
//	streams:
//	  - name: audit
//	    type: http
//	    intake_key: ${AUDIT_INTAKE_KEY}
//	    frequency: 60
//	    credentials:
//	      client_id: ${CLIENT_ID}
//	      client_secret: ${CLIENT_SECRET}
//	      auth_url: https://login.example.com/oauth2/token
//	    options:
//	      url: https://api.example.com/v1/audit
//	      items_path: data
//	      timestamp_path: created_at
//
//	intakeflow run --config intakeflow.yaml
//
// # Key Packages
//
//	pkg/connector   - sources, runner and the stream type registry
//	pkg/intake      - batched forwarding to the intake bus
//	pkg/checkpoint  - per-stream checkpoint documents (file or Redis)
//	pkg/clients     - vendor HTTP client, OAuth token refresh, rate limits
//	pkg/queue       - SQS, Pub/Sub, Kafka, Event Hubs, SSE and long-poll
//	pkg/stepper     - lagged UTC time windows
//	pkg/batcher     - bounded size-or-deadline batching
//	pkg/supervisor  - worker restarts and shutdown
//	pkg/config      - YAML configuration with ${VAR} substitution
//	pkg/errors      - typed errors shared by every layer
//	pkg/logger      - zap logging
//	pkg/metrics     - prometheus instruments
//
// # Operations
//
// Metrics are served on /metrics and worker states on /healthz when
// metrics.enabled is set. INTAKEFLOW_LOG_LEVEL, INTAKEFLOW_DATA_PATH,
// INTAKEFLOW_INTAKE_URL and INTAKEFLOW_METRICS_ADDRESS override the file.
package intakeflow
