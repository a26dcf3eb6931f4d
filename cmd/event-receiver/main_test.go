package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firemate/triage/internal/events"
)

func TestReceiverAcknowledgesAndDedupes(t *testing.T) {
	h := newRouter(newReceiver())
	ev := events.BuildEvent(events.BuildParams{IncidentID: "inc-9", Policy: "image_text", From: "PENDING", To: "VERIFIED"})
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	post := func() map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
		req.Header.Set("Idempotency-Key", ev.ID)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}
	assert.Equal(t, false, post()["duplicate"])
	assert.Equal(t, true, post()["duplicate"])
}

func TestReceiverRejectsGarbage(t *testing.T) {
	h := newRouter(newReceiver())
	for _, body := range []string{"not json", `{"id":"x"}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/events", bytes.NewBufferString(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}
