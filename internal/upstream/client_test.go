package upstream

import (
	"context"
	stdjson "encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-gateway/internal/model"
)

func testPayment(t *testing.T) *model.Payment {
	t.Helper()
	p := &model.Payment{
		CorrelationID: uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Amount:        decimal.RequireFromString("10.50"),
	}
	p.StampRequestedAt(time.Date(2025, 7, 1, 12, 0, 0, 123456000, time.UTC))
	return p
}

func TestSubmitPayment_Success(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, stdjson.Unmarshal(raw, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{})
	require.NoError(t, c.SubmitPayment(context.Background(), srv.URL, testPayment(t)))

	assert.Equal(t, "/payments", gotPath)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", gotBody["correlationId"])
	assert.Equal(t, 10.5, gotBody["amount"])
	assert.Equal(t, "2025-07-01T12:00:00.123456Z", gotBody["requestedAt"])
}

func TestSubmitPayment_NonSuccessStatus(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := New(Options{})
		err := c.SubmitPayment(context.Background(), srv.URL, testPayment(t))
		assert.ErrorIs(t, err, ErrUpstreamRejected, "status %d", status)
		srv.Close()
	}
}

func TestSubmitPayment_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := New(Options{ConnectTimeout: 100 * time.Millisecond, RequestTimeout: 200 * time.Millisecond})
	err := c.SubmitPayment(context.Background(), srv.URL, testPayment(t))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpstreamRejected)
}

func TestCheckHealth_DecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/service-health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"failing":true,"minResponseTime":321}`))
	}))
	defer srv.Close()

	c := New(Options{})
	state, err := c.CheckHealth(context.Background(), srv.URL, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, state.Failing)
	assert.Equal(t, int64(321), state.MinResponseTime)
}

func TestCheckHealth_ErrorPaths(t *testing.T) {
	t.Run("non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := New(Options{})
		_, err := c.CheckHealth(context.Background(), srv.URL, 100*time.Millisecond)
		assert.Error(t, err)
	})

	t.Run("undecodable body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer srv.Close()

		c := New(Options{})
		_, err := c.CheckHealth(context.Background(), srv.URL, 100*time.Millisecond)
		assert.Error(t, err)
	})
}

func TestCheckHealth_BoundedBySlowUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(400 * time.Millisecond)
		w.Write([]byte(`{"failing":false,"minResponseTime":0}`))
	}))
	defer srv.Close()

	c := New(Options{})
	start := time.Now()
	// Deadline is 100 ms + the advertised minimum of 0: the probe must
	// give up long before the handler answers.
	_, err := c.CheckHealth(context.Background(), srv.URL, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}
