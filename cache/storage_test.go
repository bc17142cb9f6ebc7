package cache

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry(rawURL, body string) *Entry {
	return &Entry{
		Key:      NewKey(http.MethodGet, rawURL),
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// testStorage runs the behaviour every Storage implementation must share.
func testStorage(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("OpenCreatesStore", func(t *testing.T) {
		ok, err := s.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		c, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		assert.Equal(t, "app-v1", c.Name())

		ok, err = s.Has(ctx, "app-v1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("MatchMiss", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)

		e, err := c.Match(ctx, NewKey(http.MethodGet, "http://example.test/missing"))
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("PutAndMatch", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)

		want := newTestEntry("http://example.test/app.js", "console.log(1)")
		require.NoError(t, c.Put(ctx, want))

		got, err := c.Match(ctx, want.Key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.Key, got.Key)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
		assert.Equal(t, want.Body, got.Body)
		assert.True(t, want.StoredAt.Equal(got.StoredAt))
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)

		require.NoError(t, c.Put(ctx, newTestEntry("http://example.test/data.json", "old")))
		require.NoError(t, c.Put(ctx, newTestEntry("http://example.test/data.json", "new")))

		got, err := c.Match(ctx, NewKey(http.MethodGet, "http://example.test/data.json"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "new", string(got.Body))
	})

	t.Run("PutAllAndKeys", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v2")
		require.NoError(t, err)

		require.NoError(t, c.PutAll(ctx, []*Entry{
			newTestEntry("http://example.test/", "root"),
			newTestEntry("http://example.test/index.html", "index"),
		}))

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Key{
			NewKey(http.MethodGet, "http://example.test/"),
			NewKey(http.MethodGet, "http://example.test/index.html"),
		}, keys)
	})

	t.Run("DeleteEntry", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v2")
		require.NoError(t, err)

		key := NewKey(http.MethodGet, "http://example.test/index.html")
		ok, err := c.Delete(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.Delete(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		e, err := c.Match(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("StoresAreIsolated", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v2")
		require.NoError(t, err)

		e, err := c.Match(ctx, NewKey(http.MethodGet, "http://example.test/app.js"))
		require.NoError(t, err)
		assert.Nil(t, e)
	})

	t.Run("KeysAndDeleteStore", func(t *testing.T) {
		names, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-v1", "app-v2"}, names)

		ok, err := s.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Delete(ctx, "app-v1")
		require.NoError(t, err)
		assert.False(t, ok)

		names, err = s.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"app-v2"}, names)

		// Reopening a deleted store yields an empty one.
		c, err := s.Open(ctx, "app-v1")
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})

	t.Run("ConcurrentPutsSameKey", func(t *testing.T) {
		c, err := s.Open(ctx, "app-v3")
		require.NoError(t, err)

		bodies := []string{"alpha", "bravo", "charlie", "delta"}
		var wg sync.WaitGroup
		for _, b := range bodies {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, c.Put(ctx, newTestEntry("http://example.test/race", b)))
			}()
		}
		wg.Wait()

		got, err := c.Match(ctx, NewKey(http.MethodGet, "http://example.test/race"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Contains(t, bodies, string(got.Body))
	})

	t.Run("PutAfterDeleteDoesNotResurrect", func(t *testing.T) {
		stale, err := s.Open(ctx, "app-v4")
		require.NoError(t, err)
		require.NoError(t, stale.Put(ctx, newTestEntry("http://example.test/", "v4")))

		ok, err := s.Delete(ctx, "app-v4")
		require.NoError(t, err)
		require.True(t, ok)

		err = stale.Put(ctx, newTestEntry("http://example.test/late.js", "late"))
		assert.ErrorIs(t, err, ErrStoreDeleted)
		err = stale.PutAll(ctx, []*Entry{newTestEntry("http://example.test/late.css", "late")})
		assert.ErrorIs(t, err, ErrStoreDeleted)

		ok, err = s.Has(ctx, "app-v4")
		require.NoError(t, err)
		assert.False(t, ok)

		c, err := s.Open(ctx, "app-v4")
		require.NoError(t, err)
		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)

		_, err = s.Delete(ctx, "app-v4")
		require.NoError(t, err)
	})
}

func TestMemoryStorage(t *testing.T) {
	testStorage(t, NewMemoryStorage())
}

func TestFilesystemStorage(t *testing.T) {
	testStorage(t, NewFilesystemStorage(t.TempDir()))
}

func TestSQLiteStorage(t *testing.T) {
	s, err := OpenSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	testStorage(t, s)
}

func TestRedisStorage(t *testing.T) {
	redisURL := os.Getenv("OFFLINE_WORKER_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("OFFLINE_WORKER_TEST_REDIS_URL not set")
	}

	prefix := "offline-worker-test-" + time.Now().Format("150405.000000000")
	s, err := OpenRedisStorage(context.Background(), redisURL, prefix)
	require.NoError(t, err)
	t.Cleanup(func() {
		names, _ := s.Keys(context.Background())
		for _, name := range names {
			s.Delete(context.Background(), name)
		}
		s.Close()
	})

	testStorage(t, s)
}

func TestSQLiteStorageRequiresPath(t *testing.T) {
	_, err := OpenSQLiteStorage("  ")
	require.Error(t, err)
}
