package devicesession_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/camerarecorder/multicam-hal/internal/devicesession"
	"github.com/camerarecorder/multicam-hal/internal/hal"
	"github.com/stretchr/testify/require"
)

type fakeInterop struct {
	imports int
	frees   int
	failKey hal.NativeHandle
}

func (f *fakeInterop) Version() string { return "fake" }

func (f *fakeInterop) ImportBuffer(ctx context.Context, raw hal.NativeHandle) (hal.NativeHandle, error) {
	if raw == f.failKey && f.failKey != nil {
		return nil, fmt.Errorf("import failed")
	}
	f.imports++
	return fmt.Sprintf("imported:%v", raw), nil
}

func (f *fakeInterop) FreeBuffer(ctx context.Context, handle hal.NativeHandle) error {
	f.frees++
	return nil
}

func TestBufferCache_ImportIsIdempotentPerKey(t *testing.T) {
	interop := &fakeInterop{}
	cache := devicesession.NewBufferCache(interop)
	ctx := context.Background()

	h1, err := cache.Import(ctx, 1, 100, "raw-a")
	require.NoError(t, err)
	h2, err := cache.Import(ctx, 1, 100, "raw-a")
	require.NoError(t, err)

	require.Equal(t, h1, h2)
	require.Equal(t, 1, interop.imports, "the second import of the same key must reuse the cached handle")
}

func TestBufferCache_DifferentRawHandleSameKeyIsFatal(t *testing.T) {
	interop := &fakeInterop{}
	cache := devicesession.NewBufferCache(interop)
	ctx := context.Background()

	_, err := cache.Import(ctx, 1, 100, "raw-a")
	require.NoError(t, err)

	_, err = cache.Import(ctx, 1, 100, "raw-b")
	require.Error(t, err)
}

func TestBufferCache_RemoveStreamFreesEntries(t *testing.T) {
	interop := &fakeInterop{}
	cache := devicesession.NewBufferCache(interop)
	ctx := context.Background()

	_, err := cache.Import(ctx, 1, 100, "raw-a")
	require.NoError(t, err)
	_, err = cache.Import(ctx, 1, 101, "raw-b")
	require.NoError(t, err)
	_, err = cache.Import(ctx, 2, 200, "raw-c")
	require.NoError(t, err)

	cache.RemoveStream(ctx, 1)
	require.Equal(t, 2, interop.frees)

	// Re-importing the same key after eviction is treated as brand new.
	h, err := cache.Import(ctx, 1, 100, "raw-a")
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, 4, interop.imports)
}
