package nats

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patientbuddy/chat-platform/pkg/logger"
)

func TestPing_Disconnected(t *testing.T) {
	c := &Client{}
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
	c.Close()
}

func TestConnectOptions(t *testing.T) {
	opts, err := connectOptions(Config{URL: "nats://localhost:4222", Token: "s3cret"}, logger.Nop())
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	_, err = connectOptions(Config{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, logger.Nop())
	assert.ErrorContains(t, err, "failed to read CA file")
}
