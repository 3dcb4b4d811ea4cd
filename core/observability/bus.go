// Package observability wraps github.com/asaidimu/go-events' TypedEventBus
// for in-process subscriptions (metrics, tracing hooks) around storage and
// session operations — distinct from the durable core/eventstore queue, as
// SPEC_FULL.md §2 explains. Grounded directly on
// core/persistence/persistence.go's bus setup and
// core/persistence/events.go's start/success/failed emission pattern.
package observability

import (
	"time"

	"github.com/asaidimu/go-events"
	"go.uber.org/zap"
)

// Phase mirrors the teacher's start/success/failed event triad.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseSuccess Phase = "success"
	PhaseFailed  Phase = "failed"
)

// OperationEvent is the payload emitted around every observed operation,
// generalizing the teacher's per-operation PersistenceEvent structs
// (TelemetryEvent, PersistenceOperationEvent, MigrationEvent, ...) into one
// shape parameterized by Operation name instead of a Go type per event kind.
type OperationEvent struct {
	Operation string
	Namespace string
	TypeName  string
	Phase     Phase
	Input     any
	Output    any
	Err       string
	StartedAt time.Time
	Duration  time.Duration
}

// Bus wraps a TypedEventBus[OperationEvent], exactly as the teacher's
// Collection wraps one for PersistenceEvent.
type Bus struct {
	inner  *events.TypedEventBus[OperationEvent]
	logger *zap.Logger
}

// New constructs a Bus using go-events' default configuration, matching
// `events.NewTypedEventBus[PersistenceEvent](events.DefaultConfig())`.
func New(logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inner, err := events.NewTypedEventBus[OperationEvent](events.DefaultConfig())
	if err != nil {
		return nil, err
	}
	return &Bus{inner: inner, logger: logger}, nil
}

// Emit publishes evt under its Operation+Phase as the topic, matching the
// teacher's `bus.Emit(string(event.Type), event)`.
func (b *Bus) Emit(evt OperationEvent) {
	if b == nil || b.inner == nil {
		return
	}
	b.inner.Emit(evt.Operation+"."+string(evt.Phase), evt)
}

// Subscribe registers fn for every OperationEvent on topic.
func (b *Bus) Subscribe(topic string, fn func(OperationEvent)) (string, error) {
	return b.inner.On(topic, func(e OperationEvent) { fn(e) })
}

// Unsubscribe removes a prior Subscribe registration by id.
func (b *Bus) Unsubscribe(id string) { b.inner.Off(id) }

// Around wraps fn with start/success/failed emission, exactly the shape of
// the teacher's withEventEmission higher-order helper
// (core/persistence/events.go), generalized from one Collection's fixed
// event-type triad to an arbitrary operation name.
func Around[T any](b *Bus, operation, namespace, typeName string, input any, fn func() (T, error)) (T, error) {
	start := time.Now()
	b.Emit(OperationEvent{Operation: operation, Namespace: namespace, TypeName: typeName, Phase: PhaseStart, Input: input, StartedAt: start})

	result, err := fn()
	if err != nil {
		b.Emit(OperationEvent{
			Operation: operation, Namespace: namespace, TypeName: typeName, Phase: PhaseFailed,
			Input: input, Err: err.Error(), StartedAt: start, Duration: time.Since(start),
		})
		return result, err
	}
	b.Emit(OperationEvent{
		Operation: operation, Namespace: namespace, TypeName: typeName, Phase: PhaseSuccess,
		Input: input, Output: result, StartedAt: start, Duration: time.Since(start),
	})
	return result, nil
}
