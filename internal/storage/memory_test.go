package storage_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeFork/b2-autopush/internal/cache"
	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/storage"
	"github.com/CodeFork/b2-autopush/internal/testutil"
)

func newMemory(t *testing.T, conn string, recorder freeze.Recorder) (*storage.Memory, *testutil.RecordingSleeper) {
	t.Helper()
	sleeper := testutil.NewRecordingSleeper()
	m, err := storage.NewMemory(storage.Options{
		ConnString: conn,
		Recorder:   recorder,
		Sleep:      sleeper.Sleep,
		Clock:      testutil.FixedClock(),
	})
	require.NoError(t, err)
	return m, sleeper
}

func sha256Content(data []byte) *freeze.Content {
	return &freeze.Content{Reader: newSeeker(data), Size: int64(len(data)), Hash: testutil.SHA256(data)}
}

func TestMemory_Listing(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t, "page_size=2", nil)
	c, err := m.CreateContainer(ctx, "photos")
	require.NoError(t, err)
	w := m.StartWorker()

	for _, p := range []string{"e", "c", "a", "d", "b"} {
		_, err := m.Upload(ctx, w, c, &freeze.FreezeFile{Path: p}, sha256Content([]byte(p)))
		require.NoError(t, err)
	}
	_, err = m.Upload(ctx, w, c, &freeze.FreezeFile{Path: "a"}, sha256Content([]byte("a2")))
	require.NoError(t, err)
	_, err = m.Delete(ctx, &freeze.FreezeFile{Path: "d", Container: c})
	require.NoError(t, err)

	before := m.Stats().Pages
	files, err := m.Files(ctx, c)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Path)
	}
	assert.Equal(t, []string{"a", "b", "c", "e"}, names)
	assert.Equal(t, 2, m.Stats().Pages-before)

	versions, err := m.Versions(ctx, c)
	require.NoError(t, err)
	var got []string
	for _, v := range versions {
		got = append(got, v.Path+":"+v.ServiceInfo)
	}
	assert.Equal(t, []string{"a:upload", "a:upload", "b:upload", "c:upload", "d:hide", "d:upload", "e:upload"}, got)
	assert.True(t, versions[0].StoredHash.Equal(testutil.SHA256([]byte("a2"))), "newest version first")
}

func TestMemory_UploadFaults(t *testing.T) {
	ctx := context.Background()
	m, sleeper := newMemory(t, "", nil)
	c, err := m.CreateContainer(ctx, "photos")
	require.NoError(t, err)

	m.FailUploads(http.StatusUnauthorized, http.StatusTooManyRequests)
	stored, err := m.Upload(ctx, m.StartWorker(), c, &freeze.FreezeFile{Path: "a"}, sha256Content([]byte("x")))
	require.NoError(t, err)
	assert.NotEmpty(t, stored.FileID)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.Delays())
	assert.Equal(t, 2, m.Stats().UploadAuths)
	assert.Equal(t, 3, m.Stats().UploadAttempts)

	content := sha256Content([]byte("x"))
	content.Hash = testutil.SHA256([]byte("y"))
	_, err = m.Upload(ctx, m.StartWorker(), c, &freeze.FreezeFile{Path: "b"}, content)
	assert.ErrorIs(t, err, freeze.ErrUpload)
}

func TestMemory_Download(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip records to cache", func(t *testing.T) {
		fc := cache.New()
		m, _ := newMemory(t, "", fc)
		c, _ := m.CreateContainer(ctx, "photos")
		mod := time.UnixMilli(1600000000000)
		stored, err := m.Upload(ctx, m.StartWorker(), c, &freeze.FreezeFile{Path: "d/f", Modified: mod}, sha256Content([]byte("hello")))
		require.NoError(t, err)

		rec := &freeze.FreezeFile{FileID: stored.FileID, Container: c, LocalHash: testutil.SHA256([]byte("plain"))}
		body, err := m.Download(ctx, rec)
		require.NoError(t, err)
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		assert.True(t, rec.Modified.Equal(mod))

		cached, ok := fc.Lookup("d/f")
		require.True(t, ok)
		assert.True(t, cached.LocalHash.Equal(testutil.SHA256([]byte("plain"))))
	})

	t.Run("corruption is detected", func(t *testing.T) {
		fc := cache.New()
		m, _ := newMemory(t, "", fc)
		c, _ := m.CreateContainer(ctx, "photos")
		stored, err := m.Upload(ctx, m.StartWorker(), c, &freeze.FreezeFile{Path: "d/f"}, sha256Content([]byte("hello")))
		require.NoError(t, err)
		m.Corrupt(stored.FileID)

		body, err := m.Download(ctx, &freeze.FreezeFile{FileID: stored.FileID})
		require.NoError(t, err)
		_, err = io.ReadAll(body)
		assert.ErrorIs(t, err, freeze.ErrIntegrity)
		assert.Equal(t, 0, fc.Len())
	})

	t.Run("unknown id", func(t *testing.T) {
		m, _ := newMemory(t, "", nil)
		_, err := m.Download(ctx, &freeze.FreezeFile{FileID: "nope"})
		assert.ErrorIs(t, err, freeze.ErrArgument)
	})
}

func TestMemory_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t, "", nil)
	c, _ := m.CreateContainer(ctx, "photos")
	_, err := m.Upload(ctx, m.StartWorker(), c, &freeze.FreezeFile{Path: "a"}, sha256Content([]byte("x")))
	require.NoError(t, err)

	first, err := m.Delete(ctx, &freeze.FreezeFile{Path: "a", Container: c})
	require.NoError(t, err)
	second, err := m.Delete(ctx, &freeze.FreezeFile{Path: "a", Container: c})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	files, err := m.Files(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMemory_ConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	m, _ := newMemory(t, "", nil)
	c, _ := m.CreateContainer(ctx, "photos")

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(i int) {
			w := m.StartWorker()
			defer m.StopWorker(w)
			for j := 0; j < 10; j++ {
				data := []byte(fmt.Sprintf("%d-%d", i, j))
				if _, err := m.Upload(ctx, w, c, &freeze.FreezeFile{Path: fmt.Sprintf("w%d/f%d", i, j)}, sha256Content(data)); err != nil {
					errs <- err
					return
				}
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
	}
	files, err := m.Files(ctx, c)
	require.NoError(t, err)
	assert.Len(t, files, 40)
	assert.Equal(t, 4, m.Stats().UploadAuths)
}
