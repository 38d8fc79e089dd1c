package instance

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBuild(content string) BuildFunc {
	return func(_ context.Context, tmpPath string) error {
		return os.WriteFile(tmpPath, []byte(content), 0o644)
	}
}

func TestPathLayout(t *testing.T) {
	s := New("cache")
	assert.Equal(t, filepath.Join("cache", "abc", "abc_3.sqlite"), s.Path("abc", 3))
}

func TestGetOrBuildReuses(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	path, reused, err := s.GetOrBuild(ctx, "sch", 0, writeBuild("first"))
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, s.Path("sch", 0), path)

	path2, reused, err := s.GetOrBuild(ctx, "sch", 0, writeBuild("second"))
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, path, path2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestGetOrBuildFailureLeavesNothing(t *testing.T) {
	s := New(t.TempDir())
	boom := errors.New("boom")
	_, _, err := s.GetOrBuild(context.Background(), "sch", 1, func(_ context.Context, tmpPath string) error {
		require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))
		return boom
	})
	require.ErrorIs(t, err, boom)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "sch"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetOrBuildSerializesSameKey(t *testing.T) {
	s := New(t.TempDir())
	var builds atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.GetOrBuild(context.Background(), "sch", 0, func(ctx context.Context, tmpPath string) error {
				builds.Add(1)
				return writeBuild("x")(ctx, tmpPath)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), builds.Load())
}

func TestGetOrBuildCancelled(t *testing.T) {
	s := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.GetOrBuild(ctx, "sch", 0, writeBuild("x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestDiscardAndPurge(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	for trial := 0; trial < 3; trial++ {
		_, _, err := s.GetOrBuild(ctx, "sch", trial, writeBuild("x"))
		require.NoError(t, err)
	}

	require.NoError(t, s.Discard("sch", 1))
	require.NoError(t, s.Discard("sch", 1))
	paths, err := s.List("sch")
	require.NoError(t, err)
	assert.Equal(t, []string{s.Path("sch", 0), s.Path("sch", 2)}, paths)

	require.NoError(t, s.Purge("sch"))
	paths, err = s.List("sch")
	require.NoError(t, err)
	assert.Empty(t, paths)
	size, err := s.Size("sch")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestArchive(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()
	_, _, err := s.GetOrBuild(ctx, "sch", 0, writeBuild("zero"))
	require.NoError(t, err)
	_, _, err = s.GetOrBuild(ctx, "sch", 1, writeBuild("one"))
	require.NoError(t, err)
	size, err := s.Size("sch")
	require.NoError(t, err)
	assert.Equal(t, int64(len("zero")+len("one")), size)

	var buf bytes.Buffer
	require.NoError(t, s.Archive(ctx, "sch", &buf))

	zr, err := zstd.NewReader(&buf)
	require.NoError(t, err)
	defer zr.Close()
	tr := tar.NewReader(zr)
	got := map[string]string{}
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		got[header.Name] = string(data)
	}
	names := make([]string, 0, len(got))
	for name := range got {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"sch/sch_0.sqlite", "sch/sch_1.sqlite"}, names)
	assert.Equal(t, "one", got["sch/sch_1.sqlite"])

	assert.Error(t, s.Archive(ctx, "missing", io.Discard))
}
