package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "relay/pkg/domain-errors"
	"relay/pkg/requestcontext"
)

// Normalizer canonicalizes fields (trim, case) before validation.
type Normalizer interface {
	Normalize()
}

// Validator checks the shape of a decoded body.
type Validator interface {
	Validate() error
}

// Decode reads a single JSON object into T, normalizes and validates it.
// On failure the error response is already written and ok is false.
//
//	req, ok := httputil.Decode[RecordOverageRequest](w, r, h.logger)
//	if !ok {
//	    return
//	}
func Decode[T any](w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*T, bool) {
	req, err := decodeBody[T](r.Body)
	if err == nil {
		err = Prepare(req)
	}
	if err == nil {
		return req, true
	}

	ctx := r.Context()
	if logger != nil {
		logger.WarnContext(ctx, "rejected request body",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WritePayloadTooLarge(w)
		return nil, false
	}
	WriteError(w, err)
	return nil, false
}

func decodeBody[T any](body io.Reader) (*T, error) {
	var req T
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, bodyErr(err, "invalid request body")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, bodyErr(err, "request body must hold a single JSON object")
	}
	return &req, nil
}

func bodyErr(err error, msg string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	if err == nil {
		return dErrors.New(dErrors.CodeInvalidInput, msg)
	}
	return dErrors.Wrap(err, dErrors.CodeInvalidInput, msg)
}

// Prepare runs Normalize then Validate when req implements them. Plain
// validation errors are reported as CodeValidation.
func Prepare(req any) error {
	if n, ok := req.(Normalizer); ok {
		n.Normalize()
	}
	v, ok := req.(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		return err
	}
	return dErrors.New(dErrors.CodeValidation, err.Error())
}
