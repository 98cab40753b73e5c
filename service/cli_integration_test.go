//go:build integration

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/backfila/backfila/configuration"
	"github.com/backfila/backfila/service/client"
	"github.com/backfila/backfila/service/datastore/migrations"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type cliTestSuite struct {
	suite.Suite
	container      *postgres.PostgresContainer
	config         *configuration.Configuration
	configFilePath string
}

func TestCLITestSuite(t *testing.T) {
	suite.Run(t, &cliTestSuite{})
}

func (s *cliTestSuite) SetupSuite() {
	ctx := context.Background()

	pgVersion := os.Getenv("PG_CURR_VERSION")
	if pgVersion == "" {
		pgVersion = "16"
	}
	pgc, err := postgres.Run(ctx, "postgres:"+pgVersion+"-alpine",
		postgres.WithDatabase("backfila_test"),
		postgres.WithUsername("backfila"),
		postgres.WithPassword("backfila"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(s.T(), err)
	s.container = pgc

	host, err := pgc.Host(ctx)
	require.NoError(s.T(), err)
	port, err := pgc.MappedPort(ctx, "5432")
	require.NoError(s.T(), err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(s.T(), err)

	s.configFilePath = filepath.Join(s.T().TempDir(), "config.yml")
	yml := fmt.Sprintf(`
database:
  host: %s
  port: %d
  user: backfila
  password: backfila
  dbname: backfila_test
  sslmode: disable
scheduler:
  huntintervalmin: 100ms
  huntintervalmax: 200ms
  shutdowntimeout: 1s
`, host, portNum)
	require.NoError(s.T(), os.WriteFile(s.configFilePath, []byte(yml), 0o600))

	s.config, err = resolveConfiguration([]string{s.configFilePath})
	require.NoError(s.T(), err)
}

func (s *cliTestSuite) TearDownSuite() {
	if s.container != nil {
		require.NoError(s.T(), testcontainers.TerminateContainer(s.container))
	}
}

func (s *cliTestSuite) TearDownTest() {
	dryRun, force, upToDateCheck, maxNumMigrations = false, false, false, nil
	_, err := execute(s.T(), "", "database", "migrate", "down", "--force", s.configFilePath)
	require.NoError(s.T(), err)
	maxNumMigrations = nil
}

func (s *cliTestSuite) TestMigrate() {
	t := s.T()

	out, err := execute(t, "", "database", "migrate", "status", "--up-to-date", s.configFilePath)
	require.NoError(t, err)
	require.Equal(t, "false\n", out)

	out, err = execute(t, "", "database", "migrate", "up", s.configFilePath)
	require.NoError(t, err)
	require.Contains(t, out, fmt.Sprintf("OK: applied %d migration(s)", len(migrations.All())))

	out, err = execute(t, "", "database", "migrate", "status", "--up-to-date", s.configFilePath)
	require.NoError(t, err)
	require.Equal(t, "true\n", out)

	all := migrations.All()
	out, err = execute(t, "", "database", "migrate", "version", s.configFilePath)
	require.NoError(t, err)
	require.Equal(t, all[len(all)-1].Id+"\n", out)
}

func (s *cliTestSuite) TestApp() {
	t := s.T()

	upToDateCheck = false
	_, err := execute(t, "", "database", "migrate", "up", s.configFilePath)
	require.NoError(t, err)

	ctx := context.Background()
	app, err := NewApp(ctx, s.config)
	require.NoError(t, err)

	svc, err := app.Controller.RegisterService(ctx, "franklin", client.ConnectorHTTP, `{"url":"http://franklin.example.com"}`)
	require.NoError(t, err)
	require.NotZero(t, svc.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run() }()

	require.Eventually(t, func() bool {
		return app.StatusChecker.HealthCheck() == nil && app.StatusChecker.Status().OverallStatus == "healthy"
	}, 10*time.Second, 50*time.Millisecond)

	quit <- os.Interrupt
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("backfila did not shut down")
	}
}
