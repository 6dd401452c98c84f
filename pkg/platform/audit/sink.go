package audit

import "context"

//go:generate mockgen -source=sink.go -destination=mocks/sink_mock.go -package=mocks

// Sink stores or forwards audit events. Failures are isolated per sink by
// the Dispatcher and never reach the audited operation.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Masker redacts sensitive values from a diff before fan-out. It must not
// modify its inputs.
type Masker interface {
	Mask(entity string, before, after map[string]any) (map[string]any, map[string]any)
}

// Emitter is the narrow interface services depend on. Satisfied by *Dispatcher.
type Emitter interface {
	Dispatch(ctx context.Context, event Event)
}
