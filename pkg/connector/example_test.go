package connector_test

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/intakeflow/pkg/connector"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
)

// A custom stream type registers a factory; the supervisor builds one
// worker per configured stream of that type.
func ExampleRegistry_Register() {
	r := connector.NewRegistry()
	err := r.Register("heartbeat", func(ctx context.Context, d *connector.Deps) (connector.Worker, error) {
		return connector.WorkerFunc(func(ctx context.Context) error {
			_, err := d.Sink.Push(ctx, intake.NewBatch(d.Stream.Name, []string{`{"alive":true}`}))
			return err
		}), nil
	})
	if err != nil {
		panic(err)
	}
	fmt.Println(r.List())
	// Output: [heartbeat]
}

func ExampleBatch_Latest() {
	b := connector.Batch{Events: []connector.Event{
		{Payload: `{"a":1}`, Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{Payload: `{"b":2}`},
		{Payload: `{"c":3}`, Timestamp: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}}
	fmt.Println(b.Latest().Format(time.RFC3339))
	fmt.Println(b.Payloads())
	// Output:
	// 2024-05-01T10:00:00Z
	// [{"a":1} {"b":2} {"c":3}]
}
