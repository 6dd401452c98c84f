package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "relay/pkg/domain-errors"
)

type usageBody struct {
	Feature  string `json:"feature"`
	Quantity int64  `json:"quantity"`
}

func (b *usageBody) Normalize() {
	b.Feature = strings.ToLower(strings.TrimSpace(b.Feature))
}

func (b *usageBody) Validate() error {
	if b.Feature == "" {
		return errors.New("feature is required")
	}
	if b.Quantity <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "quantity must be positive")
	}
	return nil
}

type plainBody struct {
	Name string `json:"name"`
}

func decodeUsage(t *testing.T, body string, limit int64) (*usageBody, bool, *httptest.ResponseRecorder) {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	w := httptest.NewRecorder()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	got, ok := Decode[usageBody](w, r, nil)
	return got, ok, w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp["error"]
}

func TestDecode(t *testing.T) {
	t.Run("normalizes then validates", func(t *testing.T) {
		got, ok, _ := decodeUsage(t, `{"feature":"  API_Calls ","quantity":3}`, 0)
		require.True(t, ok)
		assert.Equal(t, "api_calls", got.Feature)
		assert.Equal(t, int64(3), got.Quantity)
	})

	tests := []struct {
		name   string
		body   string
		limit  int64
		status int
		code   string
	}{
		{"malformed json", `{"feature":`, 0, http.StatusBadRequest, "bad_request"},
		{"empty body", ``, 0, http.StatusBadRequest, "bad_request"},
		{"unknown field", `{"feature":"a","quantity":1,"tenant_id":"t2"}`, 0, http.StatusBadRequest, "bad_request"},
		{"trailing object", `{"feature":"a","quantity":1}{"feature":"b"}`, 0, http.StatusBadRequest, "bad_request"},
		{"plain validation error", `{"feature":" ","quantity":1}`, 0, http.StatusBadRequest, "validation_error"},
		{"domain validation error keeps its code", `{"feature":"a","quantity":0}`, 0, http.StatusBadRequest, "bad_request"},
		{"over the byte limit", `{"feature":"` + strings.Repeat("x", 64) + `","quantity":1}`, 16, http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, w := decodeUsage(t, tt.body, tt.limit)
			assert.False(t, ok)
			assert.Nil(t, got)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	t.Run("whitespace after the object is accepted", func(t *testing.T) {
		_, ok, _ := decodeUsage(t, "{\"feature\":\"a\",\"quantity\":1}\n  ", 0)
		assert.True(t, ok)
	})
}

func TestPrepare(t *testing.T) {
	assert.NoError(t, Prepare(&plainBody{}))

	err := Prepare(&usageBody{Feature: "", Quantity: 1})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	err = Prepare(&usageBody{Feature: "a", Quantity: -1})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
