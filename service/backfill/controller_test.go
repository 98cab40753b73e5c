package backfill

import (
	"context"
	"errors"
	"testing"

	"github.com/backfila/backfila/service/client"
	clientmocks "github.com/backfila/backfila/service/client/mocks"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/mocks"
	"github.com/backfila/backfila/service/datastore/models"
	"github.com/backfila/backfila/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fakeProvider struct {
	client      client.Client
	validateErr error
}

func (p *fakeProvider) ValidateExtraData(string) error { return p.validateErr }

func (p *fakeProvider) ClientFor(string, string) (client.Client, error) { return p.client, nil }

type fakeConnectors map[string]*fakeProvider

func (c fakeConnectors) ClientProvider(connectorType string) (client.ClientProvider, error) {
	p, ok := c[connectorType]
	if !ok {
		return nil, client.ErrUnknownConnector
	}
	return p, nil
}

type recordingListener struct {
	started, paused, cancelled []int64
}

func (l *recordingListener) RunStarted(_ context.Context, id int64) { l.started = append(l.started, id) }
func (l *recordingListener) RunPaused(_ context.Context, id int64) { l.paused = append(l.paused, id) }
func (l *recordingListener) RunCancelled(_ context.Context, id int64) { l.cancelled = append(l.cancelled, id) }

type testEnv struct {
	store    *mocks.MockBackfillStore
	client   *clientmocks.MockClient
	provider *fakeProvider
	listener *recordingListener
	ctrl     *Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mockCtrl := gomock.NewController(t)
	env := &testEnv{
		store:    mocks.NewMockBackfillStore(mockCtrl),
		client:   clientmocks.NewMockClient(mockCtrl),
		listener: &recordingListener{},
	}
	env.provider = &fakeProvider{client: env.client}
	env.ctrl = NewController(env.store, fakeConnectors{"http": env.provider},
		WithListeners(env.listener),
		WithLogger(testutil.NewTestLogger(t)),
	)

	return env
}

var franklin = &models.Service{ID: 1, Name: "franklin", ConnectorType: "http", ConnectorExtraData: `{"url":"http://franklin"}`}

func TestController_RegisterService(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().RegisterService(gomock.Any(), &models.Service{Name: "franklin", ConnectorType: "http", ConnectorExtraData: "{}"}).
		DoAndReturn(func(_ context.Context, s *models.Service) error {
			s.ID = 3
			return nil
		})

	svc, err := env.ctrl.RegisterService(context.Background(), "franklin", "http", "{}")
	require.NoError(t, err)
	require.EqualValues(t, 3, svc.ID)
}

func TestController_RegisterService_Invalid(t *testing.T) {
	tcs := map[string]struct {
		name          string
		connectorType string
		validateErr   error
	}{
		"missing name":      {connectorType: "http"},
		"unknown connector": {name: "franklin", connectorType: "grpc"},
		"invalid data":      {name: "franklin", connectorType: "http", validateErr: client.ErrInvalidConnectorData},
	}

	for tn, tc := range tcs {
		t.Run(tn, func(t *testing.T) {
			env := newTestEnv(t)
			env.provider.validateErr = tc.validateErr

			_, err := env.ctrl.RegisterService(context.Background(), tc.name, tc.connectorType, "")
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestController_Create(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().FindService(gomock.Any(), "franklin").Return(franklin, nil)
	env.client.EXPECT().PrepareBackfill(gomock.Any(), &client.PrepareBackfillRequest{
		BackfillName: "ChickenSandwichBackfill",
		Range:        &client.KeyRange{Start: []byte("0"), End: []byte("999")},
		Parameters:   map[string][]byte{"type": []byte("spicy")},
		DryRun:       true,
	}).Return(&client.PrepareBackfillResponse{
		Partitions: []client.PrepareBackfillPartition{
			{PartitionName: "-80", BackfillRange: client.KeyRange{Start: []byte("0"), End: []byte("499")}},
			{PartitionName: "80-", BackfillRange: client.KeyRange{Start: []byte("500"), End: []byte("999")}, EstimatedRecordCount: 42},
		},
		Parameters: map[string][]byte{"shard_count": []byte("2")},
	}, nil)
	env.store.EXPECT().CreateRun(gomock.Any(), gomock.Any(), gomock.Any(), "backfill created").
		DoAndReturn(func(_ context.Context, r *models.BackfillRun, pp models.RunPartitions, _ string) error {
			require.Equal(t, models.BackfillPaused, r.State)
			require.EqualValues(t, 1, r.ServiceID)
			require.EqualValues(t, DefaultBatchSize, r.BatchSize)
			require.EqualValues(t, DefaultScanSize, r.ScanSize)
			require.Equal(t, DefaultNumThreads, r.NumThreads)
			require.True(t, r.DryRun)
			require.Equal(t, models.Parameters{"type": []byte("spicy"), "shard_count": []byte("2")}, r.Parameters)

			require.Len(t, pp, 2)
			require.Equal(t, "-80", pp[0].PartitionName)
			require.Equal(t, []byte("499"), pp[0].PkeyRangeEnd)
			require.False(t, pp[0].PrecomputingDone)
			require.True(t, pp[1].PrecomputingDone)
			require.EqualValues(t, 42, pp[1].ComputedMatchingRecordCount)

			r.ID = 7
			return nil
		})

	id, err := env.ctrl.Create(context.Background(), "franklin", CreateRequest{
		BackfillName:   "ChickenSandwichBackfill",
		PkeyRangeStart: []byte("0"),
		PkeyRangeEnd:   []byte("999"),
		Parameters:     map[string][]byte{"type": []byte("spicy")},
	})
	require.NoError(t, err)
	require.EqualValues(t, 7, id)
}

func TestController_Create_InvalidRequest(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ctrl.Create(context.Background(), "franklin", CreateRequest{
		BatchSize:       2000,
		ExtraSleepMs:    -1,
		BackoffSchedule: []int64{100, 0},
		Parameters:      map[string][]byte{"blob": make([]byte, MaxParameterValueSize+1)},
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorContains(t, err, "backfill_name is required")
	require.ErrorContains(t, err, "scan_size must be >= batch_size")
	require.ErrorContains(t, err, "extra_sleep_ms must be >= 0")
	require.ErrorContains(t, err, "parameter blob is too long")
	require.ErrorIs(t, err, models.ErrInvalidBackoffSchedule)
}

func TestController_Create_UnknownService(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().FindService(gomock.Any(), "franklin").Return(nil, nil)

	_, err := env.ctrl.Create(context.Background(), "franklin", CreateRequest{BackfillName: "ChickenSandwichBackfill"})
	require.ErrorIs(t, err, ErrUnknownService)
}

func TestController_Create_PrepareFailures(t *testing.T) {
	tcs := map[string]struct {
		resp    *client.PrepareBackfillResponse
		err     error
		message string
	}{
		"rpc error": {
			err:     client.ErrTimeout,
			message: "client service call timed out",
		},
		"rejected": {
			resp:    &client.PrepareBackfillResponse{ErrorMessage: "unknown backfill"},
			message: "unknown backfill",
		},
		"no partitions": {
			resp:    &client.PrepareBackfillResponse{},
			message: "returned no partitions",
		},
		"unnamed partition": {
			resp:    &client.PrepareBackfillResponse{Partitions: []client.PrepareBackfillPartition{{}}},
			message: "returned unnamed partitions",
		},
		"duplicated partitions": {
			resp: &client.PrepareBackfillResponse{Partitions: []client.PrepareBackfillPartition{
				{PartitionName: "-80"}, {PartitionName: "-80"},
			}},
			message: "did not return distinct partition names",
		},
	}

	for tn, tc := range tcs {
		t.Run(tn, func(t *testing.T) {
			env := newTestEnv(t)

			env.store.EXPECT().FindService(gomock.Any(), "franklin").Return(franklin, nil)
			env.client.EXPECT().PrepareBackfill(gomock.Any(), gomock.Any()).Return(tc.resp, tc.err)

			_, err := env.ctrl.Create(context.Background(), "franklin", CreateRequest{BackfillName: "ChickenSandwichBackfill"})
			require.ErrorIs(t, err, ErrPrepareFailed)
			require.ErrorContains(t, err, tc.message)
		})
	}
}

func TestController_StateChanges(t *testing.T) {
	tcs := map[string]struct {
		call    func(c *Controller) error
		from    []models.BackfillState
		to      models.BackfillState
		message string
		check   func(t *testing.T, l *recordingListener)
	}{
		"start": {
			call:    func(c *Controller) error { return c.Start(context.Background(), 2) },
			from:    []models.BackfillState{models.BackfillPaused},
			to:      models.BackfillRunning,
			message: "backfill started",
			check:   func(t *testing.T, l *recordingListener) { require.Equal(t, []int64{2}, l.started) },
		},
		"pause": {
			call:    func(c *Controller) error { return c.Pause(context.Background(), 2) },
			from:    []models.BackfillState{models.BackfillRunning},
			to:      models.BackfillPaused,
			message: "backfill stopped",
			check:   func(t *testing.T, l *recordingListener) { require.Equal(t, []int64{2}, l.paused) },
		},
		"cancel": {
			call:    func(c *Controller) error { return c.Cancel(context.Background(), 2) },
			from:    []models.BackfillState{models.BackfillPaused, models.BackfillRunning},
			to:      models.BackfillCancelled,
			message: "backfill cancelled",
			check:   func(t *testing.T, l *recordingListener) { require.Equal(t, []int64{2}, l.cancelled) },
		},
	}

	for tn, tc := range tcs {
		t.Run(tn, func(t *testing.T) {
			env := newTestEnv(t)

			env.store.EXPECT().TransitionRun(gomock.Any(), int64(2), tc.from, tc.to, tc.message).
				Return(&models.BackfillRun{ID: 2, State: tc.to}, nil)

			require.NoError(t, tc.call(env.ctrl))
			tc.check(t, env.listener)
		})
	}
}

func TestController_Start_InvalidTransition(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().TransitionRun(gomock.Any(), int64(2), gomock.Any(), models.BackfillRunning, gomock.Any()).
		Return(nil, datastore.ErrInvalidTransition)

	err := env.ctrl.Start(context.Background(), 2)
	require.ErrorIs(t, err, datastore.ErrInvalidTransition)
	require.Empty(t, env.listener.started)
}

func TestController_StopAll(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().FindRunsByState(gomock.Any(), models.BackfillRunning).
		Return([]*models.BackfillRun{{ID: 2}, {ID: 3}, {ID: 4}}, nil)
	env.store.EXPECT().TransitionRun(gomock.Any(), int64(2), gomock.Any(), models.BackfillPaused, gomock.Any()).
		Return(&models.BackfillRun{ID: 2}, nil)
	// paused by its runner in the meantime
	env.store.EXPECT().TransitionRun(gomock.Any(), int64(3), gomock.Any(), models.BackfillPaused, gomock.Any()).
		Return(nil, datastore.ErrInvalidTransition)
	env.store.EXPECT().TransitionRun(gomock.Any(), int64(4), gomock.Any(), models.BackfillPaused, gomock.Any()).
		Return(&models.BackfillRun{ID: 4}, nil)

	stopped, err := env.ctrl.StopAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stopped)
	require.Equal(t, []int64{2, 4}, env.listener.paused)
}

func TestController_StopAll_Error(t *testing.T) {
	env := newTestEnv(t)

	env.store.EXPECT().FindRunsByState(gomock.Any(), models.BackfillRunning).
		Return([]*models.BackfillRun{{ID: 2}, {ID: 3}}, nil)
	env.store.EXPECT().TransitionRun(gomock.Any(), int64(2), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, errors.New("db down"))

	stopped, err := env.ctrl.StopAll(context.Background())
	require.EqualError(t, err, "db down")
	require.Zero(t, stopped)
}

func TestController_Update(t *testing.T) {
	env := newTestEnv(t)
	run := &models.BackfillRun{ID: 2, BatchSize: 100, ScanSize: 1000, NumThreads: 1, BackoffSchedule: []int64{1000}}

	batchSize, numThreads := int64(200), 4
	schedule := []int64{}

	env.store.EXPECT().UpdateRunConfig(gomock.Any(), int64(2), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, change datastore.RunConfigChanger) (*models.BackfillRun, error) {
			changes, err := change(run)
			require.NoError(t, err)
			require.Equal(t, "batch_size 100->200, num_threads 1->4, backoff_schedule 1000->", changes)
			return run, nil
		})

	updated, err := env.ctrl.Update(context.Background(), 2, UpdateRequest{
		BatchSize:       &batchSize,
		NumThreads:      &numThreads,
		BackoffSchedule: &schedule,
	})
	require.NoError(t, err)
	require.EqualValues(t, 200, updated.BatchSize)
	require.Equal(t, 4, updated.NumThreads)
	require.Empty(t, updated.BackoffSchedule)
	require.Equal(t, models.DefaultBackoffSchedule, updated.Schedule())
}

func TestController_Update_Invalid(t *testing.T) {
	env := newTestEnv(t)
	run := &models.BackfillRun{ID: 2, BatchSize: 100, ScanSize: 1000, NumThreads: 1}
	batchSize := int64(2000)

	env.store.EXPECT().UpdateRunConfig(gomock.Any(), int64(2), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ int64, change datastore.RunConfigChanger) (*models.BackfillRun, error) {
			_, err := change(run)
			return nil, err
		})

	_, err := env.ctrl.Update(context.Background(), 2, UpdateRequest{BatchSize: &batchSize})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorContains(t, err, "scan_size must be >= batch_size")
	require.EqualValues(t, 100, run.BatchSize)
}

func TestUpdateRequest_Apply_NoChanges(t *testing.T) {
	run := &models.BackfillRun{BatchSize: 100, ScanSize: 1000, NumThreads: 1}
	batchSize := int64(100)

	changes, err := UpdateRequest{BatchSize: &batchSize}.apply(run)
	require.NoError(t, err)
	require.Empty(t, changes)
}

func TestController_Status(t *testing.T) {
	env := newTestEnv(t)
	run := &models.BackfillRun{ID: 2}
	partitions := models.RunPartitions{{ID: 1, BackfillRunID: 2}}
	events := models.EventLogs{{ID: 1, BackfillRunID: 2, Message: "backfill created"}}

	env.store.EXPECT().FindRun(gomock.Any(), int64(2)).Return(run, partitions, nil)
	env.store.EXPECT().Events(gomock.Any(), int64(2)).Return(events, nil)

	status, err := env.ctrl.Status(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, &Status{Run: run, Partitions: partitions, Events: events}, status)
}
