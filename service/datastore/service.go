package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/backfila/backfila/service/datastore/metrics"
	"github.com/backfila/backfila/service/datastore/models"
)

// ErrServiceExists is returned when registering a service whose name is taken.
var ErrServiceExists = errors.New("service already exists")

// ServiceStore is the interface that a service store should conform to.
type ServiceStore interface {
	// FindByID finds a service by its ID.
	FindByID(ctx context.Context, id int64) (*models.Service, error)
	// FindByName finds a service by its name.
	FindByName(ctx context.Context, name string) (*models.Service, error)
	// Create registers a new service.
	Create(ctx context.Context, s *models.Service) error
}

// ServiceStoreOption allows customizing a serviceStore with additional options.
type ServiceStoreOption func(*serviceStore)

// WithServiceCache instantiates the serviceStore with a cache for lookups by name.
func WithServiceCache(cache ServiceCache) ServiceStoreOption {
	return func(s *serviceStore) {
		s.cache = cache
	}
}

// NewServiceStore builds a new serviceStore.
func NewServiceStore(db Queryer, opts ...ServiceStoreOption) ServiceStore {
	s := &serviceStore{db: db, cache: &noOpServiceCache{}}
	for _, o := range opts {
		o(s)
	}

	return s
}

// serviceStore is the concrete implementation of a ServiceStore.
type serviceStore struct {
	// db can be either a *sql.DB or *sql.Tx
	db    Queryer
	cache ServiceCache
}

func scanService(row *sql.Row) (*models.Service, error) {
	s := new(models.Service)
	var extra sql.NullString
	if err := row.Scan(&s.ID, &s.Name, &s.ConnectorType, &extra, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scanning service: %w", err)
	}
	s.ConnectorExtraData = extra.String

	return s, nil
}

// FindByID finds a service by its ID.
func (s *serviceStore) FindByID(ctx context.Context, id int64) (*models.Service, error) {
	defer metrics.InstrumentQuery("service_find_by_id")()

	q := `SELECT
			id,
			name,
			connector_type,
			connector_extra_data,
			created_at
		FROM
			services
		WHERE
			id = $1`

	return scanService(s.db.QueryRowContext(ctx, q, id))
}

// FindByName finds a service by its name.
func (s *serviceStore) FindByName(ctx context.Context, name string) (*models.Service, error) {
	if svc := s.cache.Get(ctx, name); svc != nil {
		return svc, nil
	}

	svc, err := s.findByName(ctx, name)
	if err != nil || svc == nil {
		return svc, err
	}
	s.cache.Set(ctx, svc)

	return svc, nil
}

func (s *serviceStore) findByName(ctx context.Context, name string) (*models.Service, error) {
	defer metrics.InstrumentQuery("service_find_by_name")()

	q := `SELECT
			id,
			name,
			connector_type,
			connector_extra_data,
			created_at
		FROM
			services
		WHERE
			name = $1`

	return scanService(s.db.QueryRowContext(ctx, q, name))
}

// Create registers a new service.
func (s *serviceStore) Create(ctx context.Context, svc *models.Service) error {
	defer metrics.InstrumentQuery("service_create")()

	q := `INSERT INTO services (name, connector_type, connector_extra_data)
			VALUES ($1, $2, $3)
		RETURNING
			id, created_at`

	row := s.db.QueryRowContext(ctx, q, svc.Name, svc.ConnectorType, sql.NullString{String: svc.ConnectorExtraData, Valid: svc.ConnectorExtraData != ""})
	if err := row.Scan(&svc.ID, &svc.CreatedAt); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("creating service %q: %w", svc.Name, ErrServiceExists)
		}
		return fmt.Errorf("creating service: %w", err)
	}
	s.cache.Set(ctx, svc)

	return nil
}
