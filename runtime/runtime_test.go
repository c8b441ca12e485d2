package runtime

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/domain/delivery"
	"github.com/R3E-Network/evm-webhook-relay/infrastructure/chain"
)

func TestHealthReportsReadyWhenPingSucceedsAndChainHealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")
	mock.ExpectPing()

	r := &Runtime{
		queue:  delivery.NewWithDB(sqlxDB),
		source: chain.New(chain.Config{}),
	}

	require.Equal(t, HealthReady, r.Health())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthReportsUnhealthyWhenPingFails(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	sqlxDB := sqlx.NewDb(db, "postgres")
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	r := &Runtime{
		queue:  delivery.NewWithDB(sqlxDB),
		source: chain.New(chain.Config{}),
	}

	require.Equal(t, HealthUnhealthy, r.Health())
}

func TestLogFormatFromEnvDefaultsToJSON(t *testing.T) {
	require.Equal(t, "json", logFormatFromEnv())
}

func TestLogFormatFromEnvHonorsTextOverride(t *testing.T) {
	t.Setenv("LOG_FORMAT", "text")
	require.Equal(t, "text", logFormatFromEnv())
}

func TestLogFormatFromEnvIgnoresUnrecognizedValue(t *testing.T) {
	t.Setenv("LOG_FORMAT", "xml")
	require.Equal(t, "json", logFormatFromEnv())
}
