// Package backfill implements the operator operations on backfill runs: registering services, creating runs and
// moving them through their lifecycle.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore"
	"github.com/backfila/backfila/service/datastore/models"
)

const (
	componentKey   = "component"
	controllerName = "backfila.backfill.Controller"

	serviceKey       = "service"
	backfillNameKey  = "backfill_name"
	backfillRunIDKey = "backfill_run_id"
)

var (
	// ErrInvalidRequest is returned when an operator request fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownService is returned when a run is created for a service that was never registered.
	ErrUnknownService = errors.New("unknown service")
	// ErrPrepareFailed is returned when the client service could not prepare a backfill.
	ErrPrepareFailed = errors.New("prepare backfill failed")
)

// Listener is notified of the state changes made by operators. Calls happen after the change is committed.
type Listener interface {
	RunStarted(ctx context.Context, runID int64)
	RunPaused(ctx context.Context, runID int64)
	RunCancelled(ctx context.Context, runID int64)
}

// Connectors resolves the client provider of a connector type.
type Connectors interface {
	ClientProvider(connectorType string) (client.ClientProvider, error)
}

// Controller performs operator operations on backfill runs.
type Controller struct {
	store      datastore.BackfillStore
	connectors Connectors
	listeners  []Listener
	logger     log.Logger
}

// ControllerOption provides functional options for NewController.
type ControllerOption func(*Controller)

// WithListeners adds listeners notified of run state changes.
func WithListeners(ll ...Listener) ControllerOption {
	return func(c *Controller) {
		c.listeners = append(c.listeners, ll...)
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a new Controller.
func NewController(store datastore.BackfillStore, connectors Connectors, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:      store,
		connectors: connectors,
		logger:     log.GetLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField(componentKey, controllerName)

	return c
}

// RegisterService registers a client service reachable through the given connector.
func (c *Controller) RegisterService(ctx context.Context, name, connectorType, extraData string) (*models.Service, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: service name is required", ErrInvalidRequest)
	}
	p, err := c.connectors.ClientProvider(connectorType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := p.ValidateExtraData(extraData); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	svc := &models.Service{Name: name, ConnectorType: connectorType, ConnectorExtraData: extraData}
	if err := c.store.RegisterService(ctx, svc); err != nil {
		return nil, err
	}
	c.logger.WithFields(log.Fields{serviceKey: name, "connector_type": connectorType}).Info("registered service")

	return svc, nil
}

// Create asks the client service to prepare a backfill and stores the resulting run and partitions, PAUSED. It returns
// the ID of the new run.
func (c *Controller) Create(ctx context.Context, serviceName string, req CreateRequest) (int64, error) {
	l := c.logger.WithFields(log.Fields{serviceKey: serviceName, backfillNameKey: req.BackfillName})
	l.Info("creating backfill")

	req.applyDefaults()
	if err := req.validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	svc, err := c.store.FindService(ctx, serviceName)
	if err != nil {
		return 0, err
	}
	if svc == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, serviceName)
	}

	resp, err := c.prepare(ctx, svc, &req)
	if err != nil {
		l.WithError(err).Info("prepare backfill failed")
		return 0, err
	}

	params := make(models.Parameters, len(req.Parameters)+len(resp.Parameters))
	for k, v := range req.Parameters {
		params[k] = v
	}
	for k, v := range resp.Parameters {
		params[k] = v
	}

	run := &models.BackfillRun{
		ServiceID:       svc.ID,
		ServiceName:     svc.Name,
		BackfillName:    req.BackfillName,
		State:           models.BackfillPaused,
		BatchSize:       req.BatchSize,
		ScanSize:        req.ScanSize,
		NumThreads:      req.NumThreads,
		DryRun:          *req.DryRun,
		Parameters:      params,
		BackoffSchedule: req.BackoffSchedule,
		ExtraSleepMs:    req.ExtraSleepMs,
	}

	partitions := make(models.RunPartitions, 0, len(resp.Partitions))
	for _, p := range resp.Partitions {
		rp := &models.RunPartition{
			PartitionName:  p.PartitionName,
			PkeyRangeStart: p.BackfillRange.Start,
			PkeyRangeEnd:   p.BackfillRange.End,
		}
		// a client service that knows the size of a partition does not need it precomputed
		if p.EstimatedRecordCount > 0 {
			rp.ComputedMatchingRecordCount = p.EstimatedRecordCount
			rp.PrecomputingDone = true
		}
		partitions = append(partitions, rp)
	}

	if err := c.store.CreateRun(ctx, run, partitions, "backfill created"); err != nil {
		return 0, err
	}
	l.WithFields(log.Fields{backfillRunIDKey: run.ID, "partitions": len(partitions)}).Info("created backfill")

	return run.ID, nil
}

func (c *Controller) prepare(ctx context.Context, svc *models.Service, req *CreateRequest) (*client.PrepareBackfillResponse, error) {
	p, err := c.connectors.ClientProvider(svc.ConnectorType)
	if err != nil {
		return nil, err
	}
	cl, err := p.ClientFor(svc.Name, svc.ConnectorExtraData)
	if err != nil {
		return nil, err
	}

	prepareReq := &client.PrepareBackfillRequest{
		BackfillName: req.BackfillName,
		Parameters:   req.Parameters,
		DryRun:       *req.DryRun,
	}
	if req.PkeyRangeStart != nil || req.PkeyRangeEnd != nil {
		prepareReq.Range = &client.KeyRange{Start: req.PkeyRangeStart, End: req.PkeyRangeEnd}
	}

	resp, err := cl.PrepareBackfill(ctx, prepareReq)
	if err != nil {
		return nil, fmt.Errorf("%w: PrepareBackfill on %q: %w", ErrPrepareFailed, svc.Name, err)
	}
	if resp.ErrorMessage != "" {
		return nil, fmt.Errorf("%w: PrepareBackfill on %q: %s", ErrPrepareFailed, svc.Name, resp.ErrorMessage)
	}
	if len(resp.Partitions) == 0 {
		return nil, fmt.Errorf("%w: PrepareBackfill on %q returned no partitions", ErrPrepareFailed, svc.Name)
	}

	names := make(map[string]struct{}, len(resp.Partitions))
	for _, p := range resp.Partitions {
		if p.PartitionName == "" {
			return nil, fmt.Errorf("%w: PrepareBackfill on %q returned unnamed partitions", ErrPrepareFailed, svc.Name)
		}
		if _, ok := names[p.PartitionName]; ok {
			return nil, fmt.Errorf("%w: PrepareBackfill on %q did not return distinct partition names", ErrPrepareFailed, svc.Name)
		}
		names[p.PartitionName] = struct{}{}
	}

	return resp, nil
}

// Start moves a PAUSED run and its partitions to RUNNING. Lease hunters pick up its partitions from then on.
func (c *Controller) Start(ctx context.Context, runID int64) error {
	if err := c.transition(ctx, runID, []models.BackfillState{models.BackfillPaused}, models.BackfillRunning, "backfill started"); err != nil {
		return err
	}
	for _, l := range c.listeners {
		l.RunStarted(ctx, runID)
	}
	return nil
}

// Pause moves a RUNNING run and its partitions to PAUSED. Runners notice on their next lease extension and stop.
func (c *Controller) Pause(ctx context.Context, runID int64) error {
	if err := c.transition(ctx, runID, []models.BackfillState{models.BackfillRunning}, models.BackfillPaused, "backfill stopped"); err != nil {
		return err
	}
	for _, l := range c.listeners {
		l.RunPaused(ctx, runID)
	}
	return nil
}

// Cancel moves a PAUSED or RUNNING run and its non-complete partitions to CANCELLED. A cancelled run can not be
// started again.
func (c *Controller) Cancel(ctx context.Context, runID int64) error {
	from := []models.BackfillState{models.BackfillPaused, models.BackfillRunning}
	if err := c.transition(ctx, runID, from, models.BackfillCancelled, "backfill cancelled"); err != nil {
		return err
	}
	for _, l := range c.listeners {
		l.RunCancelled(ctx, runID)
	}
	return nil
}

func (c *Controller) transition(ctx context.Context, runID int64, from []models.BackfillState, to models.BackfillState, message string) error {
	l := c.logger.WithFields(log.Fields{backfillRunIDKey: runID, "state": to})

	run, err := c.store.TransitionRun(ctx, runID, from, to, message)
	if err != nil {
		l.WithError(err).Info("failed to change backfill state")
		return err
	}
	l.WithFields(log.Fields{serviceKey: run.ServiceName, backfillNameKey: run.BackfillName}).Info(message)

	return nil
}

// StopAll pauses every RUNNING run and returns how many were paused. Runs that changed state concurrently are skipped.
func (c *Controller) StopAll(ctx context.Context) (int, error) {
	runs, err := c.store.FindRunsByState(ctx, models.BackfillRunning)
	if err != nil {
		return 0, err
	}

	var stopped int
	for _, run := range runs {
		err := c.Pause(ctx, run.ID)
		switch {
		case err == nil:
			stopped++
		case errors.Is(err, datastore.ErrInvalidTransition):
		default:
			return stopped, err
		}
	}
	c.logger.WithField("stopped", stopped).Info("stopped all backfills")

	return stopped, nil
}

// Update changes the tunable settings of a run. Runners pick the new settings up on their next lease extension.
func (c *Controller) Update(ctx context.Context, runID int64, req UpdateRequest) (*models.BackfillRun, error) {
	run, err := c.store.UpdateRunConfig(ctx, runID, req.apply)
	if err != nil {
		if errors.Is(err, errInvalidUpdate) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, err
	}
	c.logger.WithFields(log.Fields{backfillRunIDKey: runID, "version": run.Version}).Info("updated backfill settings")

	return run, nil
}

// Status describes a run along with its partitions and event log.
type Status struct {
	Run        *models.BackfillRun
	Partitions models.RunPartitions
	Events     models.EventLogs
}

// Status returns the current status of a run.
func (c *Controller) Status(ctx context.Context, runID int64) (*Status, error) {
	run, partitions, err := c.store.FindRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := c.store.Events(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &Status{Run: run, Partitions: partitions, Events: events}, nil
}

func formatSchedule(schedule []int64) string {
	parts := make([]string, 0, len(schedule))
	for _, ms := range schedule {
		parts = append(parts, strconv.FormatInt(ms, 10))
	}
	return strings.Join(parts, ",")
}
