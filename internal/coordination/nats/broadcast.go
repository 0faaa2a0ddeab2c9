// Package nats implements the Coordination Port's broadcast half over
// nats-io/nats.go, carrying the `failover` channel (§6) with trace context
// propagated the same way the teacher's natsctx package does it.
package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/flowguard/internal/domain"
)

var propagator = propagation.TraceContext{}

// Broadcast is a nats.go-backed coordination.PubSub.
type Broadcast struct {
	conn *nats.Conn
}

// Connect dials urls with a bounded number of reconnect attempts, matching
// the teacher's control-plane dial-with-retry posture.
func Connect(urls string) (*Broadcast, error) {
	conn, err := nats.Connect(urls,
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, &domain.CoordinationError{Op: "connect", Cause: err}
	}
	return &Broadcast{conn: conn}, nil
}

// NewWithConn wraps an already-connected client, used by tests against an
// embedded nats-server.
func NewWithConn(conn *nats.Conn) *Broadcast { return &Broadcast{conn: conn} }

func (b *Broadcast) Close() error {
	b.conn.Close()
	return nil
}

// Publish injects the caller's trace context into NATS headers before
// publishing, mirroring natsctx.Publish.
func (b *Broadcast) Publish(ctx context.Context, channel string, payload []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: channel, Data: payload, Header: hdr}
	if err := b.conn.PublishMsg(msg); err != nil {
		return &domain.CoordinationError{Op: "publish", Cause: err}
	}
	return nil
}

// Subscribe extracts trace context per message and starts a consumer span,
// mirroring natsctx.Subscribe, forwarding payloads onto a channel closed
// when ctx is cancelled.
func (b *Broadcast) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	out := make(chan []byte)
	tr := otel.Tracer("flowguard-nats")

	sub, err := b.conn.Subscribe(channel, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		msgCtx := propagator.Extract(context.Background(), carrier)
		_, span := tr.Start(msgCtx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		select {
		case out <- m.Data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, &domain.CoordinationError{Op: "subscribe", Cause: err}
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}
