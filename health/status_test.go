package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

var fakeTimestamp = time.Date(2025, 1, 2, 12, 24, 5, 123456789, time.UTC)

type fakePinger struct {
	address string
	err     atomic.Value
	pings   atomic.Int64
}

func newFakePinger(address string, err error) *fakePinger {
	p := &fakePinger{address: address}
	p.setErr(err)
	return p
}

func (p *fakePinger) setErr(err error) {
	p.err.Store(errBox{err})
}

func (p *fakePinger) Address() string { return p.address }

func (p *fakePinger) PingContext(context.Context) error {
	p.pings.Add(1)
	return p.err.Load().(errBox).err
}

type errBox struct{ err error }

func TestHealthCheck(t *testing.T) {
	testCases := []struct {
		description string
		pingInfo    map[string]*pingInfo
		expectedErr string
	}{
		{
			description: "all targets online",
			pingInfo:    map[string]*pingInfo{"database": {}, "redis": {}},
		},
		{
			description: "database unreachable",
			pingInfo:    map[string]*pingInfo{"database": {err: errors.New("connection refused")}, "redis": {}},
			expectedErr: "database: connection refused",
		},
		{
			description: "redis not pinged yet",
			pingInfo:    map[string]*pingInfo{"database": {}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(tt *testing.T) {
			s := NewStatusChecker(time.Second, time.Second, []Target{
				{Name: "database", Pinger: newFakePinger("db:5432", nil)},
				{Name: "redis", Pinger: newFakePinger("redis:6379", nil)},
			})
			s.pingInfo = tc.pingInfo

			err := s.HealthCheck()
			if tc.expectedErr == "" {
				require.NoError(tt, err)
			} else {
				require.ErrorContains(tt, err, tc.expectedErr)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	s := NewStatusChecker(time.Second, time.Second, []Target{
		{Name: "database", Pinger: newFakePinger("db:5432", nil)},
		{Name: "redis", Pinger: newFakePinger("redis:6379", nil)},
	})

	status := s.Status()
	require.Equal(t, StatusUnknown, status.OverallStatus)
	require.Equal(t, TargetStatusUnknown, status.Targets[0].Status)

	s.pingInfo = map[string]*pingInfo{
		"database": {pingedAt: fakeTimestamp},
		"redis":    {pingedAt: fakeTimestamp, err: errors.New("timeout")},
	}
	status = s.Status()
	require.Equal(t, StatusUnhealthy, status.OverallStatus)
	require.Equal(t, TargetOnline, status.Targets[0].Status)
	require.Equal(t, "db:5432", status.Targets[0].Address)
	require.Equal(t, TargetUnreachable, status.Targets[1].Status)
}

func TestServeHTTP(t *testing.T) {
	s := NewStatusChecker(time.Second, time.Second, []Target{
		{Name: "database", Pinger: newFakePinger("db:5432", nil)},
	})
	s.pingInfo = map[string]*pingInfo{"database": {pingedAt: fakeTimestamp}}

	svr := httptest.NewServer(s)
	defer svr.Close()

	resp, err := http.Get(svr.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"overall_status": "healthy",
		"targets": [
			{"name": "database", "address": "db:5432", "status": "online", "last_pinged_at": "2025-01-02T12:24:05.123Z"}
		]
	}`, string(body))

	resp, err = http.Post(svr.URL, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusChecker_Start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := clock.NewMock()
	db := newFakePinger("db:5432", nil)
	s := NewStatusChecker(time.Minute, time.Second, []Target{{Name: "database", Pinger: db}}, WithClock(c))
	s.Start(ctx)

	require.Eventually(t, func() bool { return db.pings.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.HealthCheck())

	db.setErr(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		c.Add(time.Minute)
		return s.HealthCheck() != nil
	}, time.Second, time.Millisecond)

	require.Equal(t, StatusUnhealthy, s.Status().OverallStatus)
}
