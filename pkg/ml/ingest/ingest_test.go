// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/storage/blobstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVideo returns numFrames frames of width x height, where the red channel of frame i is 10*i.
func testVideo(numFrames, width, height int) []image.Image {
	frames := make([]image.Image, numFrames)
	for ii := range frames {
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		for y := range height {
			for x := range width {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(10 * ii), G: 100, B: 200, A: 255})
			}
		}
		frames[ii] = img
	}
	return frames
}

func putVideo(t *testing.T, store *memstore.Store, name string, numFrames int) {
	t.Helper()
	data, err := EncodeFrameArchive(testVideo(numFrames, 8, 6))
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), name, data))
}

func nextWithTimeout(t *testing.T, l *Loader) Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	item, err := l.Next(ctx)
	require.NoError(t, err)
	return item
}

func TestFrameArchive(t *testing.T) {
	data, err := EncodeFrameArchive(testVideo(3, 4, 2))
	require.NoError(t, err)
	frames, err := FrameArchiveDecoder{}.DecodeFrames(data)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for ii, frame := range frames {
		r, _, _, _ := frame.At(1, 1).RGBA()
		assert.Equal(t, uint32(10*ii), r>>8)
	}
	_, err = FrameArchiveDecoder{}.DecodeFrames([]byte("not a tar"))
	require.Error(t, err)
}

func TestRandomFrame(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/a.tar", 5)
	l, err := NewLoader(store, RandomFrame).Prefix("videos/").Resolution(4, 3).Seed(1).Start(context.Background())
	require.NoError(t, err)
	defer l.Close()
	for range 5 {
		item := nextWithTimeout(t, l)
		assert.Equal(t, "videos/a.tar", item.Source)
		assert.Equal(t, []int{1, 3, 4, 3}, item.Frames.Dimensions())
		assert.Empty(t, item.Description)
	}
	assert.Equal(t, RandomFrame, l.Mode())
}

func TestContiguousVideo(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/a.tar", 4)
	// Descriptions are not videos.
	require.NoError(t, store.Put(context.Background(), "videos/a.tar.json", []byte(`{"description": "x"}`)))
	l, err := NewLoader(store, ContiguousVideo).
		Prefix("videos/").
		Metadata(map[string]string{"a.tar": "a cat"}).
		Workers(2).
		Start(context.Background())
	require.NoError(t, err)
	defer l.Close()
	for range 3 {
		item := nextWithTimeout(t, l)
		assert.Equal(t, "a cat", item.Description)
		assert.Equal(t, []int{4, 6, 8, 3}, item.Frames.Dimensions())
	}
	assert.Zero(t, l.Failures())
}

func TestArrayTuple(t *testing.T) {
	store := memstore.New()
	uploader := NewLatentUploader(store, "latents").Concurrency(2)
	latent := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, uploader.UploadAll(context.Background(), []LatentRecord{
		{Name: "clip0", Description: "a dog", Array: latent},
		{Name: "clip1", Description: "a dog", Array: latent},
	}))
	names, err := store.List(context.Background(), "latents/")
	require.NoError(t, err)
	assert.Equal(t, []string{"latents/clip0.latent", "latents/clip1.latent"}, names)

	l, err := NewLoader(store, ArrayTuple).Prefix("latents/").QueueSize(1).Start(context.Background())
	require.NoError(t, err)
	defer l.Close()
	item := nextWithTimeout(t, l)
	assert.Equal(t, "a dog", item.Description)
	assert.True(t, latent.Equal(item.Array))
	assert.Nil(t, item.Frames)
}

func TestFailuresAreSkipped(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/good.tar", 2)
	require.NoError(t, store.Put(context.Background(), "videos/bad.tar", []byte("corrupted")))
	l, err := NewLoader(store, ContiguousVideo).
		Prefix("videos/").
		RetryDelay(time.Millisecond).
		Seed(3).
		Start(context.Background())
	require.NoError(t, err)
	defer l.Close()
	for range 20 {
		item := nextWithTimeout(t, l)
		assert.Equal(t, "videos/good.tar", item.Source)
	}
	assert.Positive(t, l.Failures())
}

func TestDecoderPanic(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.Put(context.Background(), "videos/x", []byte("x")))
	calls := make(chan struct{}, 100)
	l, err := NewLoader(store, RandomFrame).
		Decoder(VideoDecoderFunc(func(data []byte) ([]image.Image, error) {
			select {
			case calls <- struct{}{}:
			default:
			}
			panic("corrupted video")
		})).
		Workers(1).
		RetryDelay(time.Millisecond).
		Start(context.Background())
	require.NoError(t, err)
	for range 3 {
		select {
		case <-calls:
		case <-time.After(10 * time.Second):
			t.Fatal("decoder not called again after a panic")
		}
	}
	_, ok := l.TryNext()
	assert.False(t, ok)
	l.Close()
	assert.GreaterOrEqual(t, l.Failures(), int64(2))
}

func TestBoundedQueueAndClose(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/a.tar", 1)
	l, err := NewLoader(store, RandomFrame).Prefix("videos/").Workers(3).QueueSize(2).Start(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(l.queue) == 2 }, 10*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, len(l.queue))
	_, ok := l.TryNext()
	assert.True(t, ok)

	l.Close()
	_, err = l.Next(context.Background())
	if err != nil {
		// Either a queued item or ErrClosed.
		require.ErrorIs(t, err, ErrClosed)
	}

	_, err = l.Start(context.Background())
	require.Error(t, err)
}

func TestLoaderValidation(t *testing.T) {
	ctx := context.Background()
	_, err := NewLoader(nil, RandomFrame).Start(ctx)
	require.Error(t, err)
	_, err = NewLoader(memstore.New(), Mode(7)).Start(ctx)
	require.Error(t, err)
	_, err = NewLoader(memstore.New(), RandomFrame).Workers(0).Start(ctx)
	require.Error(t, err)
	_, err = NewLoader(memstore.New(), RandomFrame).Resolution(10, 0).Start(ctx)
	require.Error(t, err)

	for _, mode := range []Mode{RandomFrame, ContiguousVideo, ArrayTuple} {
		assert.Equal(t, mode, must.M1(ParseMode(mode.String())))
	}
	_, err = ParseMode("interleaved")
	require.Error(t, err)
}

func TestVideoUploader(t *testing.T) {
	dir := t.TempDir()
	data, err := EncodeFrameArchive(testVideo(2, 4, 4))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.tar"), data, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("mp4"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600))
	metadataPath := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(metadataPath, []byte(`{"b.tar": "two frames"}`), 0600))
	metadata, err := LoadMetadata(metadataPath)
	require.NoError(t, err)

	store := memstore.New()
	names, err := NewVideoUploader(store, "videos", metadata).Concurrency(2).UploadDir(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"videos/a.mp4", "videos/b.tar"}, names)

	for name, want := range map[string]string{"videos/a.mp4.json": NoDescription, "videos/b.tar.json": "two frames"} {
		var description map[string]string
		require.NoError(t, json.Unmarshal(must.M1(store.Get(context.Background(), name)), &description))
		assert.Equal(t, want, description["description"])
	}
	assert.Equal(t, 4, store.Len())
}

func TestLatentRecord(t *testing.T) {
	array := tensors.FromFlatDataAndDimensions([]int32{7, 8}, 2)
	data, err := EncodeLatent("héllo", array)
	require.NoError(t, err)
	description, decoded, err := DecodeLatent(data)
	require.NoError(t, err)
	assert.Equal(t, "héllo", description)
	assert.True(t, array.Equal(decoded))

	_, _, err = DecodeLatent(data[:3])
	require.Error(t, err)
	_, _, err = DecodeLatent([]byte{255, 0, 0, 0, 'x'})
	require.Error(t, err)
}
