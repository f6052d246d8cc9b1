package systemd

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) *net.UnixConn {
	t.Helper()
	// Socket paths are length limited; t.TempDir can be too deep.
	dir, err := os.MkdirTemp("", "sd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func read(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	assert.NoError(t, err)
	assert.False(t, sent)
}

func TestNotifications(t *testing.T) {
	conn := listen(t)

	sent, err := Ready()
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "READY=1", read(t, conn))

	_, err = Status("beat running")
	require.NoError(t, err)
	assert.Equal(t, "STATUS=beat running", read(t, conn))

	_, err = Stopping()
	require.NoError(t, err)
	assert.Equal(t, "STOPPING=1", read(t, conn))
}

func TestWatchdog(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	assert.Zero(t, WatchdogInterval())
	assert.NoError(t, Watchdog(context.Background(), nil), "returns at once when off")

	conn := listen(t)
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("WATCHDOG_USEC", "40000")
	assert.Equal(t, 40*time.Millisecond, WatchdogInterval())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watchdog(ctx, func() bool { return true }) }()
	assert.Equal(t, "WATCHDOG=1", read(t, conn))
	cancel()
	assert.NoError(t, <-done)
}
