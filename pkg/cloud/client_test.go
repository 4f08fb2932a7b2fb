package cloud

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/types"
)

func testClient(baseURL string) *Client {
	c := NewClient(Config{BaseURL: baseURL, APIKey: "test-key"})
	c.sleep = func(time.Duration) {}
	return c
}

func TestInsertSendsPreferHeader(t *testing.T) {
	var gotPrefer, gotConflict, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotConflict = r.URL.Query().Get("on_conflict")
		gotKey = r.Header.Get("apikey")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.Insert(context.Background(), "device_readings",
		[]map[string]any{{"device_id": "inv-1"}}, "device_id,register_name,timestamp")
	require.NoError(t, err)
	assert.Equal(t, "resolution=ignore-duplicates,return=minimal", gotPrefer)
	assert.Equal(t, "device_id,register_name,timestamp", gotConflict)
	assert.Equal(t, "test-key", gotKey)
}

func TestInsertTreats409AsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	assert.NoError(t, c.Insert(context.Background(), "alarms", []map[string]any{{}}, ""))
}

func TestInsertRetries5xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	require.NoError(t, c.Insert(context.Background(), "alarms", []map[string]any{{}}, ""))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestInsertDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.Insert(context.Background(), "alarms", []map[string]any{{}}, "")
	require.Error(t, err)

	var se *types.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnprocessableEntity, se.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestInsertExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.Insert(context.Background(), "alarms", []map[string]any{{}}, "")
	require.Error(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	// Two exhausted calls make eight breaker failures, well past the trip
	// threshold of five.
	_ = c.Insert(context.Background(), "alarms", []map[string]any{{}}, "")
	_ = c.Insert(context.Background(), "alarms", []map[string]any{{}}, "")

	err := c.Insert(context.Background(), "alarms", []map[string]any{{}}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
}

func TestPatchBuildsFilters(t *testing.T) {
	var gotQuery, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	err := c.Patch(context.Background(), "alarms",
		map[string]string{
			"site_id":    "eq.site-1",
			"alarm_type": "eq.HIGH_TEMP",
			"resolved":   "eq.false",
		},
		map[string]any{"resolved": true})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
	assert.Equal(t, "alarm_type=eq.HIGH_TEMP&resolved=eq.false&site_id=eq.site-1", gotQuery)
}

func TestGetUnmarshalsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"alarm_type":"HIGH_TEMP","resolved":true}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var rows []struct {
		AlarmType string `json:"alarm_type"`
		Resolved  bool   `json:"resolved"`
	}
	require.NoError(t, c.Get(context.Background(), "alarms", map[string]string{"resolved": "eq.true"}, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "HIGH_TEMP", rows[0].AlarmType)
	assert.True(t, rows[0].Resolved)
}

func TestNotConfigured(t *testing.T) {
	c := NewClient(Config{})
	assert.False(t, c.Configured())
	assert.True(t, testClient("http://example.invalid").Configured())
}
