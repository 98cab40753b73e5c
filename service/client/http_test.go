package client_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/backfila/backfila/service/client"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	router *mux.Router
	server *httptest.Server
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	s := &fakeService{router: mux.NewRouter()}
	s.server = httptest.NewServer(s.router)
	t.Cleanup(s.server.Close)

	return s
}

func (s *fakeService) handle(path string, h http.HandlerFunc) {
	s.router.HandleFunc(path, h).Methods(http.MethodPost)
}

func (s *fakeService) client(t *testing.T, opts ...client.HTTPClientOption) *client.HTTPClient {
	t.Helper()

	c, err := client.NewHTTPClient(&client.HTTPConnectorData{
		URL:     s.server.URL,
		Headers: []client.HTTPHeader{{Name: "X-Backfila-Service", Value: "franklin"}},
	}, opts...)
	require.NoError(t, err)

	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestHTTPClient_PrepareBackfill(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/prepare-backfill", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "franklin", r.Header.Get("X-Backfila-Service"))

		var req client.PrepareBackfillRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ChickenSandwichBackfill", req.BackfillName)
		require.True(t, req.DryRun)
		require.Equal(t, []byte("spicy"), req.Parameters["type"])

		writeJSON(t, w, client.PrepareBackfillResponse{
			Partitions: []client.PrepareBackfillPartition{
				{PartitionName: "-80", BackfillRange: client.KeyRange{Start: []byte("0"), End: []byte("499")}},
				{PartitionName: "80-", BackfillRange: client.KeyRange{Start: []byte("500"), End: []byte("999")}},
			},
		})
	})

	resp, err := s.client(t).PrepareBackfill(context.Background(), &client.PrepareBackfillRequest{
		BackfillName: "ChickenSandwichBackfill",
		Parameters:   map[string][]byte{"type": []byte("spicy")},
		DryRun:       true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Partitions, 2)
	require.Equal(t, "80-", resp.Partitions[1].PartitionName)
	require.Equal(t, []byte("999"), resp.Partitions[1].BackfillRange.End)
}

func TestHTTPClient_GetNextBatchRange(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/get-next-batch-range", func(w http.ResponseWriter, r *http.Request) {
		var req client.GetNextBatchRangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "1", req.BackfillID)
		require.Equal(t, []byte("99"), req.PreviousEndKey)
		require.Equal(t, int64(100), req.ComputeCountLimit)
		require.True(t, req.Precomputing)

		writeJSON(t, w, client.GetNextBatchRangeResponse{
			Batches: []client.Batch{
				{BatchRange: client.KeyRange{Start: []byte("100"), End: []byte("199")}, ScannedRecordCount: 100, MatchingRecordCount: 10},
			},
		})
	})

	resp, err := s.client(t).GetNextBatchRange(context.Background(), &client.GetNextBatchRangeRequest{
		BackfillID:        "1",
		PreviousEndKey:    []byte("99"),
		ComputeCountLimit: 100,
		Precomputing:      true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Batches, 1)
	require.Equal(t, int64(10), resp.Batches[0].MatchingRecordCount)
	require.Equal(t, "[100, 199]", resp.Batches[0].BatchRange.String())
}

func TestHTTPClient_RunBatch(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/run-batch", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, client.RunBatchResponse{
			RemainingBatchRange: &client.KeyRange{Start: []byte("150"), End: []byte("199")},
			BackoffMs:           250,
		})
	})

	resp, err := s.client(t).RunBatch(context.Background(), &client.RunBatchRequest{
		BatchRange: client.KeyRange{Start: []byte("100"), End: []byte("199")},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.RemainingBatchRange)
	require.Equal(t, []byte("150"), resp.RemainingBatchRange.Start)
	require.Equal(t, int64(250), resp.BackoffMs)
	require.Empty(t, resp.ExceptionStackTrace)
}

func TestHTTPClient_RunBatch_ExceptionStackTrace(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/run-batch", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, client.RunBatchResponse{ExceptionStackTrace: "java.lang.IllegalStateException: boom"})
	})

	resp, err := s.client(t).RunBatch(context.Background(), &client.RunBatchRequest{})
	require.NoError(t, err)
	require.Equal(t, "java.lang.IllegalStateException: boom", resp.ExceptionStackTrace)
}

func TestHTTPClient_StatusError(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/run-batch", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
	})

	_, err := s.client(t).RunBatch(context.Background(), &client.RunBatchRequest{})
	require.Error(t, err)

	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "database unavailable")
	require.NotErrorIs(t, err, client.ErrTimeout)
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	s := newFakeService(t)
	s.handle("/backfila/run-batch", func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := s.client(t, client.WithTimeout(50*time.Millisecond)).RunBatch(context.Background(), &client.RunBatchRequest{})
	require.ErrorIs(t, err, client.ErrTimeout)
}

func TestHTTPClient_RateLimit(t *testing.T) {
	s := newFakeService(t)
	s.handle("/backfila/run-batch", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, client.RunBatchResponse{})
	})

	c := s.client(t, client.WithRateLimit(10, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.RunBatch(context.Background(), &client.RunBatchRequest{})
		require.NoError(t, err)
	}
	// the first call uses the burst, the other two wait 100ms each
	require.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

func TestHTTPClient_RateLimitCanceled(t *testing.T) {
	s := newFakeService(t)
	c := s.client(t, client.WithRateLimit(0.001, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RunBatch(ctx, &client.RunBatchRequest{})
	require.Error(t, err)
	require.ErrorContains(t, err, "waiting for rate limiter")
}

func TestParseHTTPConnectorData(t *testing.T) {
	tt := []struct {
		name      string
		extraData string
		wantErr   bool
	}{
		{name: "empty", extraData: "", wantErr: true},
		{name: "invalid json", extraData: "{", wantErr: true},
		{name: "missing url", extraData: `{"headers":[]}`, wantErr: true},
		{name: "relative url", extraData: `{"url":"franklin/backfila"}`, wantErr: true},
		{name: "header without name", extraData: `{"url":"http://franklin","headers":[{"value":"x"}]}`, wantErr: true},
		{name: "header without value", extraData: `{"url":"http://franklin","headers":[{"name":"x"}]}`, wantErr: true},
		{name: "valid", extraData: `{"url":"http://franklin","headers":[{"name":"X-Foo","value":"bar"}]}`},
	}

	for _, test := range tt {
		t.Run(test.name, func(t *testing.T) {
			data, err := client.ParseHTTPConnectorData(test.extraData)
			if test.wantErr {
				require.ErrorIs(t, err, client.ErrInvalidConnectorData)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "http://franklin", data.URL)
		})
	}
}
