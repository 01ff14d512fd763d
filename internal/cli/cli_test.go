package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jsherman999/occupancyhub/internal/api"
	"github.com/jsherman999/occupancyhub/internal/hub"
	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/jsherman999/occupancyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type testServer struct {
	store store.Store
	hub   *hub.Hub
	wsURL string
}

// startServer runs a hub and API on a temp sqlite store and points the CLI
// config at both through the environment.
func startServer(t *testing.T) *testServer {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "cli.db")
	st, err := store.Open(context.Background(), "sqlite3", dsn)
	require.NoError(t, err)

	log := zap.NewNop().Sugar()
	h := hub.New(st, log, hub.Options{})
	srv := httptest.NewServer(api.New(st, h, log, 50).Router())
	t.Cleanup(func() {
		h.Close()
		srv.Close()
		st.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	t.Setenv("OCCUPANCY_DB_DRIVER", "sqlite3")
	t.Setenv("OCCUPANCY_DB_DSN", dsn)
	t.Setenv("OCCUPANCY_CLIENT_URL", wsURL)
	t.Setenv("OCCUPANCY_CLIENT_API_URL", srv.URL)
	t.Setenv("OCCUPANCY_CLIENT_RECONNECT_DELAY", "20ms")
	t.Setenv("OCCUPANCY_LOG_LEVEL", "error")
	return &testServer{store: st, hub: h, wsURL: wsURL}
}

func run(t *testing.T, ctx context.Context, out *syncBuffer, args ...string) error {
	t.Helper()
	root := NewRoot()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func TestBuildingAddAndList(t *testing.T) {
	startServer(t)
	ctx := context.Background()

	out := &syncBuffer{}
	require.NoError(t, run(t, ctx, out, "building", "add", "--name", "HQ", "--address", "1 Main St"))
	assert.Equal(t, "building_id=1\n", out.String())

	out = &syncBuffer{}
	require.NoError(t, run(t, ctx, out, "building", "list"))
	assert.Equal(t, "1\tHQ\t1 Main St\n", out.String())
}

func TestSendStoresAndEchoes(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	id, err := ts.store.CreateBuilding(ctx, "HQ", "")
	require.NoError(t, err)

	out := &syncBuffer{}
	require.NoError(t, run(t, ctx, out, "send", "--building", "1", "--zone", "3-2", "--count", "12", "--timeout", "5s"))
	assert.Contains(t, out.String(), "stored building=1 zone=3-2 count=12")

	obs, err := ts.store.RecentObservations(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 12, obs[0].Count)
}

func TestSendUnknownBuildingTimesOut(t *testing.T) {
	startServer(t)
	err := run(t, context.Background(), &syncBuffer{}, "send", "--building", "42", "--zone", "1-1", "--count", "1", "--timeout", "300ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broadcast for building 42")
}

func TestSendRejectsInvalidUpdate(t *testing.T) {
	err := run(t, context.Background(), &syncBuffer{}, "send", "--building", "1", "--zone", "lobby", "--count", "1")
	assert.ErrorIs(t, err, occupancy.ErrInvalid)
}

func TestExportCSVToFile(t *testing.T) {
	ts := startServer(t)
	ctx := context.Background()
	id, err := ts.store.CreateBuilding(ctx, "HQ", "")
	require.NoError(t, err)
	_, err = ts.store.AppendObservation(ctx, id, "3-2", 12)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, run(t, ctx, &syncBuffer{}, "export", "--building", "1", "--format", "csv", "--out", path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "1,1,3-2,3,2,12,"), lines[1])

	err = run(t, ctx, &syncBuffer{}, "export", "--building", "1", "--format", "graphml")
	assert.ErrorContains(t, err, "unknown format")
}

func TestWatchReprintsOnUpdate(t *testing.T) {
	ts := startServer(t)
	_, err := ts.store.CreateBuilding(context.Background(), "HQ", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(t, ctx, out, "watch", "--building", "1") }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("watch did not stop")
		}
	})

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "building=1 observations=0") && strings.Contains(s, "# live updates connected")
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ts.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	p, _, err := websocket.DefaultDialer.Dial(ts.wsURL, nil)
	require.NoError(t, err)
	defer p.Close()
	raw, err := occupancy.NewUpdate(1, "3-2", 12).Encode()
	require.NoError(t, err)
	require.NoError(t, p.WriteMessage(websocket.TextMessage, raw))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "building=1 observations=1")
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "zone=3-2 count=12")
}

func TestRefresherCoalesces(t *testing.T) {
	r := newRefresher()
	r.mark(1)
	r.mark(1)
	r.mark(2)

	<-r.ready
	assert.ElementsMatch(t, []int64{1, 2}, r.take())
	assert.Empty(t, r.take())
	select {
	case <-r.ready:
		t.Fatal("ready should have been drained")
	default:
	}
}

func TestEchoWaiterMatchesOnlyOwnUpdate(t *testing.T) {
	e := newEchoWaiter(occupancy.NewUpdate(1, "3-2", 12))

	e.observe(occupancy.NewUpdate(1, "3-2", 13))
	e.observe(occupancy.NewUpdate(1, "1-1", 12))
	e.observe(occupancy.NewUpdate(2, "3-2", 12))
	select {
	case <-e.done:
		t.Fatal("another participant's update completed the wait")
	default:
	}

	e.observe(occupancy.NewUpdate(1, "3-2", 12))
	e.observe(occupancy.NewUpdate(1, "3-2", 12))
	select {
	case <-e.done:
	default:
		t.Fatal("own update did not complete the wait")
	}
}
