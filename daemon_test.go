package lgrd

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(DefaultConfig())
	assert.True(t, errors.Is(err, ErrConfig))

	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, d.IsActive())
	assert.Equal(t, cfg, d.Config())
	assert.NotNil(t, d.Registry())
	assert.Equal(t, StatsSnapshot{}, d.Stats())
	assert.NotPanics(t, d.Stop)
	assert.EqualError(t, d.Flush(context.Background()), _ERROR_MESSAGE_DAEMON_INACTIVE)
}

func TestDaemon_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg, clock.NewClock())
	assert.True(t, d.IsActive())
	assert.EqualError(t, d.Start(), _ERROR_MESSAGE_DAEMON_STARTED)

	info, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode().Type())
	assert.Equal(t, cfg.SocketMode.Perm(), info.Mode().Perm())

	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "first run")
	conn.Close()

	d.StopAndWait()
	assert.False(t, d.IsActive())
	d.StopAndWait()
	assert.Equal(t, []string{"first run"}, messages(t, cfg.LogPath))
	assert.Error(t, d.Reopen(context.Background()))

	require.NoError(t, d.Start(), "a stopped daemon can be started again")
	conn = dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "second run")
	conn.Close()
	d.StopAndWait()
	assert.Equal(t, []string{"first run", "second run"}, messages(t, cfg.LogPath))
}

func messages(t *testing.T, path string) []string {
	t.Helper()
	var out []string
	for _, line := range readLines(t, path) {
		out = append(out, messageOf(line))
	}
	return out
}

func TestDaemon_StartFailures(t *testing.T) {
	t.Run("log file cannot be opened", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LogPath = cfg.LogPath + "/not/a/dir.log"
		d, err := New(cfg)
		require.NoError(t, err)
		d.SetLogger(quietLogger())
		err = d.Start()
		assert.True(t, errors.Is(err, ErrConfig), "%v", err)
		assert.False(t, d.IsActive())
		_, err = os.Stat(cfg.SocketPath)
		assert.True(t, os.IsNotExist(err), "no socket left behind")
	})
	t.Run("socket in use", func(t *testing.T) {
		cfg := testConfig(t)
		startDaemon(t, cfg, clock.NewClock())
		other := cfg
		other.LogPath = cfg.LogPath + ".other"
		d, err := New(other)
		require.NoError(t, err)
		d.SetLogger(quietLogger())
		err = d.Start()
		assert.True(t, errors.Is(err, ErrConfig))
		assert.ErrorContains(t, err, _ERROR_MESSAGE_SOCKET_IN_USE)
		assert.False(t, d.IsActive())
	})
	t.Run("stale socket is replaced", func(t *testing.T) {
		cfg := testConfig(t)
		l, err := net.Listen("unix", cfg.SocketPath)
		require.NoError(t, err)
		l.(*net.UnixListener).SetUnlinkOnClose(false)
		l.Close()
		_, err = os.Stat(cfg.SocketPath)
		require.NoError(t, err, "stale socket file exists")

		d, _ := startDaemon(t, cfg, clock.NewClock())
		assert.True(t, d.IsActive())
		dialDaemon(t, cfg.SocketPath)
	})
}

func TestDaemon_ConnectionOrder(t *testing.T) {
	cfg := testConfig(t)
	d, ferr := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	for i := range 100 {
		sendFrame(t, conn, LVL_INFO, fmt.Sprintf("record %03d", i))
	}
	require.NoError(t, WriteFrame(conn, LVL_INFO, nil))
	conn.Close()
	d.StopAndWait()

	msgs := messages(t, cfg.LogPath)
	require.Len(t, msgs, 100)
	for i, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("record %03d", i), msg)
	}
	s := d.Stats()
	assert.Equal(t, uint64(100), s.Received, "empty frames are not records")
	assert.Equal(t, uint64(100), s.Written)
	assert.Empty(t, ferr.String())
}

func TestDaemon_LineFormat(t *testing.T) {
	cfg := testConfig(t)
	clk := fakeclock.NewFakeClock(time.Date(2026, 5, 4, 3, 2, 1, 0, time.Local))
	d, _ := startDaemon(t, cfg, clk)
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_WARN, "multi\nline\r\nand bad \xff byte")
	conn.Close()
	d.StopAndWait()
	assert.Equal(t, []string{`[2026-05-04 03:02:01.000] [WARN] multi\nline\r\nand bad � byte`}, readLines(t, cfg.LogPath))
}

func TestDaemon_TagPeers(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are read with SO_PEERCRED")
	}
	cfg := testConfig(t)
	cfg.TagPeers = true
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "tagged")
	conn.Close()
	d.StopAndWait()
	lines := readLines(t, cfg.LogPath)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], fmt.Sprintf("] [INFO] [pid=%d] tagged", os.Getpid()))
}

func TestDaemon_MinLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinLogLevel = LVL_WARN
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	for level := LVL_TRACE; level <= LVL_UNMASKABLE; level++ {
		sendFrame(t, conn, level, level.String())
	}
	conn.Close()
	d.StopAndWait()
	assert.Equal(t, []string{"WARN", "ERROR", "FATAL", "UNMASKABLE"}, messages(t, cfg.LogPath))
	s := d.Stats()
	assert.Equal(t, uint64(7), s.Received)
	assert.Equal(t, uint64(3), s.Filtered)
	assert.Equal(t, uint64(4), s.Written)
}

// Five 50 byte records against a 100 byte limit and two kept files: every
// record survives exactly once, split over the active file, .1 and .2.
func TestDaemon_RotationScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.TimeFormat = "15:04:05"
	cfg.MaxFileSize = 100
	cfg.MaxFileCount = 2
	cfg.BufferSize = 50
	clk := fakeclock.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.Local))
	d, _ := startDaemon(t, cfg, clk)
	conn := dialDaemon(t, cfg.SocketPath)
	var sent []string
	for i := range 5 {
		msg := fmt.Sprintf("record %d %s", i, strings.Repeat("x", 22))
		require.Len(t, msg, 31)
		sent = append(sent, msg)
		sendFrame(t, conn, LVL_INFO, msg)
	}
	conn.Close()
	d.StopAndWait()

	active := messages(t, cfg.LogPath)
	first := messages(t, cfg.LogPath+".1")
	second := messages(t, cfg.LogPath+".2")
	assertNoFile(t, cfg.LogPath+".3")
	assert.Equal(t, sent[:2], second)
	assert.Equal(t, sent[2:4], first)
	assert.Equal(t, sent[4:], active)
	for _, path := range []string{cfg.LogPath, cfg.LogPath + ".1", cfg.LogPath + ".2"} {
		assert.LessOrEqual(t, fileSize(t, path), int64(100))
	}
	assert.Equal(t, uint64(2), d.Stats().Rotations)
}

func TestDaemon_ConcurrentClients(t *testing.T) {
	const clients, records = 50, 50
	cfg := testConfig(t)
	cfg.MaxClients = clients
	cfg.QueueSize = 64
	cfg.EnqueueTimeout = Duration{10 * time.Second}
	cfg.BufferSize = 1 << 10
	cfg.MaxFileSize = 1 << 30
	d, _ := startDaemon(t, cfg, clock.NewClock())

	var wg sync.WaitGroup
	for c := range clients {
		conn := dialDaemon(t, cfg.SocketPath)
		wg.Go(func() {
			defer conn.Close()
			for i := range records {
				assert.NoError(t, WriteFrame(conn, LVL_INFO, []byte(fmt.Sprintf("client %02d record %02d", c, i))))
			}
		})
	}
	wg.Wait()
	d.StopAndWait()

	msgs := messages(t, cfg.LogPath)
	require.Len(t, msgs, clients*records)
	next := make([]int, clients)
	for _, msg := range msgs {
		var c, i int
		_, err := fmt.Sscanf(msg, "client %d record %d", &c, &i)
		require.NoError(t, err, msg)
		assert.Equal(t, next[c], i, "client %d out of order", c)
		next[c] = i + 1
	}
	s := d.Stats()
	assert.Equal(t, uint64(clients), s.Accepted)
	assert.Zero(t, s.Dropped)
	assert.Equal(t, int64(0), s.ActiveConnections)
}

func TestDaemon_ClientLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxClients = 2
	d, _ := startDaemon(t, cfg, clock.NewClock())
	first := dialDaemon(t, cfg.SocketPath)
	second := dialDaemon(t, cfg.SocketPath)

	refused, err := net.Dial("unix", cfg.SocketPath)
	require.NoError(t, err)
	defer refused.Close()
	refused.SetReadDeadline(time.Now().Add(2 * time.Second))
	assert.True(t, errors.Is(ReadStatus(refused), ErrCapacity))

	sendFrame(t, first, LVL_INFO, "from first")
	first.Close()
	require.Eventually(t, func() bool { return d.Stats().ActiveConnections == 1 }, 2*time.Second, 5*time.Millisecond)
	third := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, third, LVL_INFO, "from third")
	sendFrame(t, second, LVL_INFO, "from second")
	second.Close()
	third.Close()
	d.StopAndWait()

	assert.ElementsMatch(t, []string{"from first", "from second", "from third"}, messages(t, cfg.LogPath))
	s := d.Stats()
	assert.Equal(t, uint64(1), s.Refused)
	assert.Equal(t, uint64(3), s.Accepted)
}

func TestDaemon_ProtocolErrorIsolation(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameSize = 64
	d, _ := startDaemon(t, cfg, clock.NewClock())
	good := dialDaemon(t, cfg.SocketPath)
	tests := []struct {
		name  string
		frame []byte
	}{
		{"bad level", []byte{0, 0, 0, 0, 1, 'x'}},
		{"oversized", []byte{byte(LVL_INFO), 0, 0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := dialDaemon(t, cfg.SocketPath)
			sendFrame(t, bad, LVL_INFO, "before "+tt.name)
			_, err := bad.Write(tt.frame)
			require.NoError(t, err)
			bad.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, err = bad.Read(make([]byte, 1))
			assert.Error(t, err, "daemon closes the connection")
		})
	}
	sendFrame(t, good, LVL_INFO, "good")
	good.Close()
	d.StopAndWait()

	assert.ElementsMatch(t, []string{"before bad level", "before oversized", "good"}, messages(t, cfg.LogPath))
	assert.Equal(t, uint64(2), d.Stats().ProtocolErrors)
}

func TestDaemon_TruncatedFrameOnDisconnect(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "complete")
	_, err := conn.Write([]byte{byte(LVL_INFO), 0, 0, 0, 10, 'p', 'a'})
	require.NoError(t, err)
	conn.Close()
	require.Eventually(t, func() bool { return d.Stats().ProtocolErrors == 1 }, 2*time.Second, 5*time.Millisecond)
	d.StopAndWait()
	assert.Equal(t, []string{"complete"}, messages(t, cfg.LogPath))
}

func TestDaemon_FlushInterval(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnqueueTimeout = Duration{0}
	clk := fakeclock.NewFakeClock(time.Now())
	d, _ := startDaemon(t, cfg, clk)
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "waits for the timer")

	clk.WaitForWatcherAndIncrement(cfg.FlushInterval.Duration - time.Millisecond)
	assert.Never(t, func() bool { return len(readLines(t, cfg.LogPath)) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	clk.Increment(time.Millisecond)
	assert.Eventually(t, func() bool { return len(readLines(t, cfg.LogPath)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), d.Stats().Flushes)
}

// flushUntil flushes until path holds n lines. A record is counted as
// received slightly before it reaches the queue, so one flush may miss it.
func flushUntil(t *testing.T, d *Daemon, path string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		if err := d.Flush(context.Background()); err != nil {
			return false
		}
		return len(readLines(t, path)) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_Commands(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sendFrame(t, conn, LVL_INFO, "one")
	flushUntil(t, d, cfg.LogPath, 1)
	assert.Equal(t, []string{"one"}, messages(t, cfg.LogPath))

	// the open descriptor follows the renamed file until Reopen
	require.NoError(t, os.Rename(cfg.LogPath, cfg.LogPath+".moved"))
	sendFrame(t, conn, LVL_INFO, "two")
	flushUntil(t, d, cfg.LogPath+".moved", 2)
	require.NoError(t, d.Reopen(ctx))
	assert.Equal(t, []string{"one", "two"}, messages(t, cfg.LogPath+".moved"))

	sendFrame(t, conn, LVL_INFO, "three")
	flushUntil(t, d, cfg.LogPath, 1)
	assert.Equal(t, []string{"three"}, messages(t, cfg.LogPath))
	assert.Equal(t, []string{"one", "two"}, messages(t, cfg.LogPath+".moved"))
}

func TestDaemon_ShutdownDrainsConnections(t *testing.T) {
	cfg := testConfig(t)
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	for i := range 20 {
		sendFrame(t, conn, LVL_INFO, fmt.Sprint(i))
	}
	start := time.Now()
	d.StopAndWait()
	assert.Less(t, time.Since(start), cfg.ShutdownTimeout.Duration+time.Second)
	assert.Len(t, messages(t, cfg.LogPath), 20, "frames sent before stop are written")
	_, err := os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket removed on stop")
}

func TestDaemon_ShutdownTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.ShutdownTimeout = Duration{100 * time.Millisecond}
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_INFO, "complete")
	// the partial frame is still pending when the daemon stops
	_, err := conn.Write([]byte{byte(LVL_INFO), 0, 0, 0, 100, 'x'})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.Stats().Received == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not finish")
	}
	assert.Equal(t, []string{"complete"}, messages(t, cfg.LogPath))
}

func TestDaemon_QueueFull(t *testing.T) {
	cfg := testConfig(t)
	cfg.QueueSize = 1
	cfg.EnqueueTimeout = Duration{0}
	d, _ := startDaemon(t, cfg, clock.NewClock())
	// a broken item makes the writer report to the fallback writer, which
	// blocks on fbckMtx while the test holds it
	d.sync.fbckMtx.Lock()
	d.queue.items <- queueItem{kind: _ITEM_RECORD}
	require.Eventually(t, func() bool { return d.queue.length() == 0 }, 2*time.Second, time.Millisecond)

	conn := dialDaemon(t, cfg.SocketPath)
	for i := range 10 {
		sendFrame(t, conn, LVL_INFO, fmt.Sprint(i))
	}
	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Received == 10
	}, 2*time.Second, 5*time.Millisecond)
	d.sync.fbckMtx.Unlock()
	conn.Close()
	d.StopAndWait()

	s := d.Stats()
	assert.Equal(t, uint64(10), s.Received)
	assert.Equal(t, s.Received, s.Written+s.Dropped)
	assert.NotZero(t, s.Dropped)
	assert.Len(t, messages(t, cfg.LogPath), int(s.Written))
}

func TestDaemon_Metrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinLogLevel = LVL_INFO
	d, _ := startDaemon(t, cfg, clock.NewClock())
	conn := dialDaemon(t, cfg.SocketPath)
	sendFrame(t, conn, LVL_DEBUG, "filtered")
	sendFrame(t, conn, LVL_INFO, "kept")
	flushUntil(t, d, cfg.LogPath, 1)

	reg := d.Registry()
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 14, count)
	expected := `
# HELP lgrd_records_filtered_total Records dropped below the minimal level.
# TYPE lgrd_records_filtered_total counter
lgrd_records_filtered_total 1
# HELP lgrd_records_received_total Records decoded from client connections.
# TYPE lgrd_records_received_total counter
lgrd_records_received_total 2
# HELP lgrd_records_written_total Records written to the log file.
# TYPE lgrd_records_written_total counter
lgrd_records_written_total 1
# HELP lgrd_connections_active Currently open client connections.
# TYPE lgrd_connections_active gauge
lgrd_connections_active 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lgrd_records_filtered_total", "lgrd_records_received_total", "lgrd_records_written_total", "lgrd_connections_active"))
}
