package querycache

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jsherman999/occupancyhub/internal/occupancy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	calls atomic.Int32
	// gate, when set, blocks each fetch until it is closed.
	gate chan struct{}
	err  error
}

func (s *stubFetcher) FetchRecent(_ context.Context, buildingID int64) ([]occupancy.Observation, error) {
	n := s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return []occupancy.Observation{{ID: int64(n), BuildingID: buildingID, Zone: "1-1", Count: int(n)}}, nil
}

func TestGetCachesUntilInvalidated(t *testing.T) {
	f := &stubFetcher{}
	c := New(f)
	var hooked []int64
	c.OnInvalidate = func(id int64) { hooked = append(hooked, id) }

	obs, err := c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, obs[0].Count)

	obs, err = c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, obs[0].Count)
	assert.Equal(t, int32(1), f.calls.Load())
	assert.True(t, c.Cached(7))

	c.Invalidate(7)
	c.Invalidate(7)
	assert.False(t, c.Cached(7))
	assert.Equal(t, []int64{7, 7}, hooked)

	obs, err = c.Get(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, obs[0].Count)
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	f := &stubFetcher{gate: make(chan struct{})}
	c := New(f)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), 7)
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvalidateDuringFetchIsNotOverwritten(t *testing.T) {
	f := &stubFetcher{gate: make(chan struct{})}
	c := New(f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Get(context.Background(), 7)
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Invalidate(7)
	close(f.gate)
	<-done

	assert.False(t, c.Cached(7), "stale fetch must not repopulate the view")
}

func TestFetchErrorNotCached(t *testing.T) {
	boom := errors.New("boom")
	c := New(&stubFetcher{err: boom})

	_, err := c.Get(context.Background(), 7)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Cached(7))
}

func TestAPIFetcher(t *testing.T) {
	var gotPath, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		if r.URL.Path == "/api/buildings/404/occupancy" {
			http.Error(w, "unknown building", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":2,"buildingId":7,"zone":"3-2","count":12,"timestamp":"2026-01-02T03:04:05Z"}]`))
	}))
	t.Cleanup(srv.Close)

	f := &APIFetcher{BaseURL: srv.URL + "/", Limit: 20}
	obs, err := f.FetchRecent(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "/api/buildings/7/occupancy", gotPath)
	assert.Equal(t, "20", gotLimit)
	require.Len(t, obs, 1)
	assert.Equal(t, occupancy.Observation{
		ID: 2, BuildingID: 7, Zone: "3-2", Count: 12,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, obs[0])

	_, err = f.FetchRecent(context.Background(), 404)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
