package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/criticality/internal/logging"
)

func TestWebhook_PostsEvent(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	wh := NewWebhook(srv.URL, time.Second)
	wh.now = func() time.Time { return fixed }

	err := wh.Notify(context.Background(), EventBlock, map[string]any{"query": "Approve?"})
	require.NoError(t, err)
	assert.Equal(t, EventBlock, got.Event)
	assert.Equal(t, "Approve?", got.Payload["query"])
	assert.True(t, got.SentAt.Equal(fixed))
}

func TestWebhook_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), EventError, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	assert.Error(t, NewWebhook(url, time.Second).Notify(context.Background(), EventComplete, nil))
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, event Event, _ map[string]any) error {
	r.events = append(r.events, event)
	return r.err
}

func TestMulti_TriesEveryNotifier(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}

	err := Multi{failing, nil, ok}.Notify(context.Background(), EventPhaseChange, nil)
	require.Error(t, err)
	assert.Equal(t, []Event{EventPhaseChange}, failing.events)
	assert.Equal(t, []Event{EventPhaseChange}, ok.events)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	n := Log{Logger: logging.NewWriterLogger(&buf, logging.LevelInfo)}

	require.NoError(t, n.Notify(context.Background(), EventComplete, map[string]any{"phase": "Complete"}))
	assert.Contains(t, buf.String(), `"event":"complete"`)
	assert.Contains(t, buf.String(), `"phase":"Complete"`)
}
