// Package connector turns vendor sources into workers that forward events
// to the intake bus.
//
// A pull source implements Source: NextBatch returns a bounded Batch and
// the Runner pushes it through an intake.Pusher, then calls Batch.Commit so
// the checkpoint (or the queue ack) only moves after the intake accepted
// every event. A push transport is wrapped by StreamSource, which feeds a
// batcher.Batcher and settles each upstream message once all of its
// events were flushed.
//
// Four source shapes cover the connectors:
//
//   - WindowSource polls successive UTC time windows from a stepper.Stepper
//     and checkpoints the newest event timestamp.
//   - CursorSource walks an opaque cursor and checkpoints it once the page
//     it came with was pushed.
//   - QueueSource receives storage notifications (or raw records) from a
//     queue.Subscriber and acks them after the push.
//   - StreamSource drives a queue.StreamSubscriber (Kafka, Event Hubs,
//     Pub/Sub, SSE, long-poll).
//
// HTTPSource adapts any JSON REST API described by gjson paths to the
// window and cursor shapes. Factories are registered per stream type and
// built from a config.StreamConfig with Build.
package connector
