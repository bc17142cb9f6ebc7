package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), Config{ServiceName: "offline-worker"})
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestSetupCreatesProvider(t *testing.T) {
	// Non-routable address: nothing is exported.
	tp, shutdown, err := Setup(context.Background(), Config{
		ServiceName:    "offline-worker",
		ServiceVersion: "v10",
		Endpoint:       "http://192.0.2.1:4318",
	})
	require.NoError(t, err)
	assert.IsType(t, &sdktrace.TracerProvider{}, tp)
	assert.NoError(t, shutdown(context.Background()))
}
