package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/evm-webhook-relay/infrastructure/config"
	relayerrors "github.com/R3E-Network/evm-webhook-relay/infrastructure/errors"
)

func TestExitForStartupErrorMapsConfigInvalidToExitCode2(t *testing.T) {
	err := relayerrors.ConfigInvalid(errors.New("boom"))
	require.Equal(t, exitConfigInvalid, exitForStartupError(err))
}

func TestExitForStartupErrorMapsQueuePermanentToExitCode3(t *testing.T) {
	err := relayerrors.QueuePermanent("connect", errors.New("boom"))
	require.Equal(t, exitStorageUnreachable, exitForStartupError(err))
}

func TestExitForStartupErrorDefaultsToGenericFailure(t *testing.T) {
	err := relayerrors.ChainPermanent("dial", errors.New("boom"))
	require.Equal(t, 1, exitForStartupError(err))
}

func TestDetermineAddrPrefersFlagOverConfig(t *testing.T) {
	cfg := &config.Config{Monitoring: config.Monitoring{HealthCheckPort: 9090}}
	require.Equal(t, ":1234", determineAddr(":1234", cfg))
}

func TestDetermineAddrFallsBackToConfigPort(t *testing.T) {
	cfg := &config.Config{Monitoring: config.Monitoring{HealthCheckPort: 9090}}
	require.Equal(t, ":9090", determineAddr("", cfg))
}

func TestDetermineAddrDefaultsWhenNeitherSet(t *testing.T) {
	cfg := &config.Config{Monitoring: config.Monitoring{HealthCheckPort: 0}}
	require.Equal(t, ":8080", determineAddr("", cfg))
}
