package audit

import "context"

// Instrument runs fn and dispatches template stamped with the outcome.
// fn's error is returned unchanged; auditing never alters it.
func Instrument(ctx context.Context, e Emitter, template Event, fn func(ctx context.Context) error) error {
	err := fn(ctx)

	event := template
	if err != nil {
		event.Outcome = OutcomeFailure
		event.Message = err.Error()
	} else {
		event.Outcome = OutcomeSuccess
	}
	if e != nil {
		e.Dispatch(ctx, event)
	}
	return err
}
