// -------------------------------------------------------------------------------
// Dispatch - Queue Consumer
//
// Project: Yggdrasil
//
// Queued requests carry a closed Kind. A single consumer takes them one at a
// time and routes them to the preservation or import handler.
// -------------------------------------------------------------------------------

package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kb-dk/Yggdrasil-sub000/internal/model"
	"github.com/kb-dk/Yggdrasil-sub000/internal/telemetry"
)

// Kind identifies the request type carried by a Message.
type Kind int

const (
	KindPreservation Kind = iota + 1
	KindImport
)

func (k Kind) String() string {
	switch k {
	case KindPreservation:
		return "preservation"
	case KindImport:
		return "import"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one queued request. Exactly one payload is set, matching Kind.
type Message struct {
	Kind         Kind
	Preservation *model.PreservationRequest
	Import       *model.ImportRequest
}

// PreservationMessage wraps req.
func PreservationMessage(req model.PreservationRequest) Message {
	return Message{Kind: KindPreservation, Preservation: &req}
}

// ImportMessage wraps req.
func ImportMessage(req model.ImportRequest) Message {
	return Message{Kind: KindImport, Import: &req}
}

// RequestID returns the id of the carried request.
func (m Message) RequestID() string {
	switch {
	case m.Preservation != nil:
		return m.Preservation.ID
	case m.Import != nil:
		return m.Import.ID
	default:
		return ""
	}
}

// Consumer dispatches queued messages to their handler one at a time.
type Consumer struct {
	preserver *Preserver
	importer  *Importer
}

// NewConsumer creates a Consumer.
func NewConsumer(p *Preserver, i *Importer) *Consumer {
	return &Consumer{preserver: p, importer: i}
}

// Run handles messages from queue until ctx is cancelled or queue is closed.
func (c *Consumer) Run(ctx context.Context, queue <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			telemetry.QueueDepth.Set(float64(len(queue)))
			c.Dispatch(ctx, msg)
		}
	}
}

// Dispatch handles a single message. Handler failures have already been
// reported by the time Dispatch returns; a panic is logged and absorbed so the
// consumer keeps running.
func (c *Consumer) Dispatch(ctx context.Context, msg Message) (err error) {
	start := time.Now()
	kind := msg.Kind.String()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Consumer: handler panicked", "kind", kind, "id", msg.RequestID(), "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
		result := "success"
		if err != nil {
			result = "failure"
		}
		telemetry.RequestsProcessedTotal.WithLabelValues(kind, result).Inc()
		telemetry.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	switch msg.Kind {
	case KindPreservation:
		if msg.Preservation == nil {
			return fmt.Errorf("%s message without payload", kind)
		}
		return c.preserver.Handle(ctx, *msg.Preservation)
	case KindImport:
		if msg.Import == nil {
			return fmt.Errorf("%s message without payload", kind)
		}
		return c.importer.Handle(ctx, *msg.Import)
	default:
		slog.Error("Consumer: unknown message kind", "kind", kind, "id", msg.RequestID())
		return fmt.Errorf("unknown message kind %s", kind)
	}
}
