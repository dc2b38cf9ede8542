// Package config defines the strongly typed configuration of an intakeflow
// process and loads it from YAML.
//
// A document declares the intake bus, the checkpoint backend, observability
// settings and a list of streams. Every stream embeds ConnectorConfig (the
// settings every connector shares) plus a type-specific options block that
// the connector factory decodes with StreamConfig.DecodeOptions.
//
//	intake:
//	  url: https://intake.sekoia.io
//	data_path: /var/lib/intakeflow
//	streams:
//	  - name: signinattempts
//	    type: http_window
//	    intake_key: ${INTAKE_KEY}
//	    frequency: 60
//	    lag: 60
//	    credentials:
//	      client_id: ${CLIENT_ID}
//	      client_secret: ${CLIENT_SECRET}
//	      auth_url: https://vendor.example/oauth/token
//	    options:
//	      url: https://vendor.example/api/events
//
// ${VAR_NAME} placeholders are replaced from the environment before parsing.
// Unknown keys are rejected at every level. Defaults follow the connector
// contract: frequency 60s, lag 60s, start_time 1h, chunk_size 1000 (at most
// 10000), batch_max_wait 30s, request_timeout 60s (at most 120s).
package config
