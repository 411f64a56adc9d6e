package transport

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgeflow/pipeline/pkg/reading"
)

func TestHTTPSenderEmptySetIsNoop(t *testing.T) {
	var hit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hit, 1)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, time.Second)
	err := s.Send(t.Context(), reading.NewSet(nil))
	require.NoError(t, err)
	require.EqualValues(t, 0, atomic.LoadInt32(&hit))
}

func TestHTTPSenderPostsOneRequestPerReading(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, time.Second)
	set := reading.NewSet([]*reading.Reading{
		reading.New("sensor1", reading.Datapoint{Name: "v", Value: reading.NewFloat(1)}),
		reading.New("sensor2", reading.Datapoint{Name: "v", Value: reading.NewFloat(2)}),
	})

	err := s.Send(t.Context(), set)
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestHTTPSenderAbortsOnFirstFailure(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, time.Second)
	set := reading.NewSet([]*reading.Reading{
		reading.New("sensor1", reading.Datapoint{Name: "v", Value: reading.NewFloat(1)}),
		reading.New("sensor2", reading.Datapoint{Name: "v", Value: reading.NewFloat(2)}),
	})

	err := s.Send(t.Context(), set)
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}
