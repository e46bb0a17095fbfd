// Package natsbus is an events.Transport over NATS with OpenTelemetry
// trace-context propagation, giving the event bus optional cross-process
// fan-out so cooperating sessions can observe each other's lifecycle events.
package natsbus

import (
	"context"
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/events"
)

var propagator = propagation.TraceContext{}

const subject = "taskengine.events"

// Transport publishes and consumes taskengine events over a NATS connection.
type Transport struct {
	nc *nats.Conn
}

// New wraps an already-connected NATS conn as an events.Transport.
func New(nc *nats.Conn) *Transport {
	return &Transport{nc: nc}
}

// Publish injects the current trace context into NATS headers and publishes
// the JSON-encoded event, mirroring natsctx.Publish.
func (t *Transport) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return t.nc.PublishMsg(msg)
}

// Listen subscribes to the shared events subject and republishes every
// message onto the local bus, extracting the remote trace context into a
// child consumer span, mirroring natsctx.Subscribe.
func Listen(nc *nats.Conn, bus *events.Bus) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("taskengine-nats")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var ev events.Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			return
		}
		bus.DeliverLocal(ev)
	})
}
