// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ingest loads training data from a blob store with a pool of background workers feeding a bounded
// queue.
//
// Each worker repeatedly picks a random object, downloads and decodes it, and pushes the resulting Item into
// the queue, blocking while it is full. Items are taken with Loader.Next, which blocks while it is empty.
//
// A failure to fetch or decode one object is logged and the object skipped: it never stops the pool.
//
// Example:
//
//	loader, err := ingest.NewLoader(store, ingest.RandomFrame).
//		Prefix("videos/").
//		Resolution(1280, 720).
//		Start(ctx)
//	if err != nil { ... }
//	defer loader.Close()
//	for step := range numSteps {
//		item, err := loader.Next(ctx)
//		...
//	}
package ingest

import (
	"context"
	"math/rand/v2"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/core/tensors/images"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrWorkerIO wraps the failure of a worker to fetch or decode one object. These are logged and skipped.
	ErrWorkerIO = errors.New("ingestion worker failed")

	// ErrClosed is returned by Loader.Next after Loader.Close.
	ErrClosed = errors.New("loader closed")
)

// Mode of the items produced by a Loader. It is fixed when the Loader starts.
type Mode int

const (
	// RandomFrame items hold one random frame of a video.
	RandomFrame Mode = iota

	// ContiguousVideo items hold all the frames of a video, and its description.
	ContiguousVideo

	// ArrayTuple items hold a pre-encoded (description, array) record, see EncodeLatent.
	ArrayTuple
)

var modeNames = []string{"random_frame", "contiguous_video", "array_tuple"}

// String implements fmt.Stringer. The names are the ones used in the configuration.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	for ii, name := range modeNames {
		if name == s {
			return Mode(ii), nil
		}
	}
	return 0, errors.Errorf("unknown ingestion mode %q", s)
}

// NoDescription is used for videos without an entry in the metadata.
const NoDescription = "No description available"

// Item produced by the Loader. Which fields are set depend on the Mode.
type Item struct {
	// Source is the name of the object the item was produced from.
	Source string

	// Frames of a video, shaped [numFrames, height, width, 3], with values in [0, 1].
	// For RandomFrame numFrames is 1.
	Frames *tensors.Tensor

	// Description of a ContiguousVideo or ArrayTuple item.
	Description string

	// Array of an ArrayTuple item.
	Array *tensors.Tensor
}

// Defaults of a Loader.
const (
	DefaultWorkers    = 4
	DefaultQueueSize  = 10
	DefaultRetryDelay = 100 * time.Millisecond
)

// Loader of training items. Create it with NewLoader, configure it, and Start it.
type Loader struct {
	store         blobstore.ListerStore
	mode          Mode
	prefix        string
	workers       int
	queueSize     int
	width, height int
	decoder       VideoDecoder
	metadata      map[string]string
	seed          uint64
	retryDelay    time.Duration

	started  bool
	queue    chan Item
	stop     *xsync.Latch
	wg       sync.WaitGroup
	failures atomic.Int64
}

// NewLoader creates a Loader of items of the given mode from store. Configure it and call Start.
//
// Objects are listed from the store on every fetch, so new objects are picked up while it runs.
func NewLoader(store blobstore.ListerStore, mode Mode) *Loader {
	return &Loader{
		store:      store,
		mode:       mode,
		workers:    DefaultWorkers,
		queueSize:  DefaultQueueSize,
		decoder:    FrameArchiveDecoder{},
		seed:       rand.Uint64(),
		retryDelay: DefaultRetryDelay,
	}
}

// Prefix of the objects to load. Description objects (".json") are ignored in the video modes.
func (l *Loader) Prefix(prefix string) *Loader {
	l.prefix = prefix
	return l
}

// Workers sets the number of background workers. Default is DefaultWorkers.
func (l *Loader) Workers(n int) *Loader {
	l.workers = n
	return l
}

// QueueSize sets the capacity of the queue of items. Default is DefaultQueueSize.
func (l *Loader) QueueSize(n int) *Loader {
	l.queueSize = n
	return l
}

// Resolution to resize the frames to. By default, frames keep their size.
func (l *Loader) Resolution(width, height int) *Loader {
	l.width, l.height = width, height
	return l
}

// Decoder of the video objects. Default is FrameArchiveDecoder.
func (l *Loader) Decoder(decoder VideoDecoder) *Loader {
	l.decoder = decoder
	return l
}

// Metadata sets the descriptions of the videos, indexed by the base name of their objects. See LoadMetadata.
func (l *Loader) Metadata(metadata map[string]string) *Loader {
	l.metadata = metadata
	return l
}

// Seed of the random choices of the workers. By default, it is random.
func (l *Loader) Seed(seed uint64) *Loader {
	l.seed = seed
	return l
}

// RetryDelay is how long a worker waits after a failure before fetching again. Default is DefaultRetryDelay.
func (l *Loader) RetryDelay(delay time.Duration) *Loader {
	l.retryDelay = delay
	return l
}

// Start the workers. After Start the configuration can no longer be changed.
//
// The workers run until Close is called or ctx is done.
func (l *Loader) Start(ctx context.Context) (*Loader, error) {
	if l.started {
		return nil, errors.New("ingest.Loader.Start called more than once")
	}
	if l.store == nil {
		return nil, errors.New("ingest.Loader requires a store")
	}
	if l.mode < RandomFrame || l.mode > ArrayTuple {
		return nil, errors.Errorf("invalid ingestion mode %d", l.mode)
	}
	if l.workers <= 0 || l.queueSize <= 0 {
		return nil, errors.Errorf("ingest.Loader requires positive workers (%d) and queue size (%d)",
			l.workers, l.queueSize)
	}
	if (l.width == 0) != (l.height == 0) || l.width < 0 || l.height < 0 {
		return nil, errors.Errorf("invalid ingest.Loader resolution %dx%d", l.width, l.height)
	}
	if l.mode != ArrayTuple && l.decoder == nil {
		return nil, errors.Errorf("ingest.Loader in mode %s requires a VideoDecoder", l.mode)
	}
	l.started = true
	l.queue = make(chan Item, l.queueSize)
	l.stop = xsync.NewLatch()
	klog.V(1).Infof("ingest: starting %d workers in mode %s on %q", l.workers, l.mode, l.prefix)
	for worker := range l.workers {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.work(ctx, rand.New(rand.NewPCG(l.seed, uint64(worker))))
		}()
	}
	return l, nil
}

// Mode of the items produced.
func (l *Loader) Mode() Mode { return l.mode }

// Failures returns the number of objects that failed so far.
func (l *Loader) Failures() int64 { return l.failures.Load() }

// Next blocks until an item is available, ctx is done, or the loader is closed (ErrClosed).
func (l *Loader) Next(ctx context.Context) (Item, error) {
	if !l.started {
		return Item{}, errors.New("ingest.Loader.Next called before Start")
	}
	select {
	case item := <-l.queue:
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	case <-l.stop.WaitChan():
		return Item{}, ErrClosed
	}
}

// TryNext returns an item if one is immediately available.
func (l *Loader) TryNext() (item Item, ok bool) {
	if !l.started {
		return
	}
	select {
	case item = <-l.queue:
		return item, true
	default:
		return
	}
}

// Close stops the workers and waits for them to finish. Items still in the queue are discarded.
func (l *Loader) Close() {
	if !l.started {
		return
	}
	l.stop.Trigger()
	l.wg.Wait()
}

func (l *Loader) work(ctx context.Context, rng *rand.Rand) {
	for {
		select {
		case <-l.stop.WaitChan():
			return
		case <-ctx.Done():
			return
		default:
		}
		item, err := l.fetch(ctx, rng)
		if err != nil {
			if ctx.Err() != nil || l.stop.Test() {
				return
			}
			l.failures.Add(1)
			klog.Warningf("ingest: %v", err)
			select {
			case <-l.stop.WaitChan():
				return
			case <-ctx.Done():
				return
			case <-time.After(l.retryDelay):
			}
			continue
		}
		select {
		case <-l.stop.WaitChan():
			return
		case <-ctx.Done():
			return
		case l.queue <- item:
		}
	}
}

// fetch picks a random object and converts it to an Item. Errors wrap ErrWorkerIO.
func (l *Loader) fetch(ctx context.Context, rng *rand.Rand) (item Item, err error) {
	names, err := l.store.List(ctx, l.prefix)
	if err != nil {
		return item, errors.WithMessagef(ErrWorkerIO, "listing %q: %v", l.prefix, err)
	}
	if l.mode != ArrayTuple {
		names = filterVideos(names)
	}
	if len(names) == 0 {
		return item, errors.WithMessagef(ErrWorkerIO, "no objects under %q", l.prefix)
	}
	name := names[rng.IntN(len(names))]
	data, err := l.store.Get(ctx, name)
	if err != nil {
		return item, errors.WithMessagef(ErrWorkerIO, "downloading %q: %v", name, err)
	}

	// Decoders are given untrusted data: a panic is reported as a failure of this object only.
	exception := exceptions.Try(func() {
		item, err = l.decode(name, data, rng)
	})
	if exception != nil {
		err = errors.Errorf("panic: %v", exception)
	}
	if err != nil {
		return Item{}, errors.WithMessagef(ErrWorkerIO, "decoding %q: %v", name, err)
	}
	return item, nil
}

func filterVideos(names []string) []string {
	videos := make([]string, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, descriptionSuffix) {
			videos = append(videos, name)
		}
	}
	return videos
}

func (l *Loader) decode(name string, data []byte, rng *rand.Rand) (Item, error) {
	item := Item{Source: name}
	if l.mode == ArrayTuple {
		var err error
		item.Description, item.Array, err = DecodeLatent(data)
		return item, err
	}

	frames, err := l.decoder.DecodeFrames(data)
	if err != nil {
		return item, err
	}
	if len(frames) == 0 {
		return item, errors.New("video has no frames")
	}
	if l.mode == RandomFrame {
		frames = frames[rng.IntN(len(frames)):][:1]
	} else {
		item.Description = l.description(name)
	}
	if l.width > 0 {
		frames = resizeFrames(frames, l.width, l.height)
	}
	item.Frames, err = images.ToTensor(dtypes.Float32).Batch(frames)
	return item, err
}

func (l *Loader) description(name string) string {
	if description, found := l.metadata[path.Base(name)]; found {
		return description
	}
	return NoDescription
}
