package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartEmbedded(t *testing.T) {
	srv, err := StartEmbedded(WithStoreDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	t.Run("core pub/sub works", func(t *testing.T) {
		sub, err := nc.SubscribeSync("greetings")
		require.NoError(t, err)
		require.NoError(t, nc.Publish("greetings", []byte("hello")))

		msg, err := sub.NextMsg(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(msg.Data))
	})

	t.Run("jetstream is enabled", func(t *testing.T) {
		js, err := nc.JetStream()
		require.NoError(t, err)
		_, err = js.AccountInfo()
		assert.NoError(t, err)
	})
}
