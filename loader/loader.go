// Package loader feeds batches of a place recognition dataset to a training
// loop. Batches are decoded in parallel but delivered in a reproducible order,
// and Loader implements gomlx's train.Dataset.
package loader

import (
	"context"
	"io"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"

	"github.com/Noofbiz/placeset/datasets"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by a Loader after Close.
var ErrClosed = errors.New("loader is closed")

// errReset ends a Next call that raced with Reset.
var errReset = errors.New("loader was reset while waiting for a batch")

// BatchSource is what a Loader reads from, typically a
// *datasets.PlaceRecognitionDataset. Batch must be safe for concurrent use.
type BatchSource interface {
	Name() string
	Len() int
	Batch(positions []int) (*datasets.Batch, error)
}

// Options configures a Loader.
type Options struct {
	// BatchSize is the number of samples per batch.
	BatchSize int

	// DropLast drops the last batch of an epoch if it is smaller than BatchSize.
	DropLast bool

	// Shuffle permutes the samples every epoch. The permutation only depends on
	// Seed and the epoch number.
	Shuffle bool
	Seed    uint64

	// Workers is the number of batches decoded at once. Defaults to the number
	// of CPUs.
	Workers int

	// Prefetch bounds the number of batches decoded ahead of the consumer.
	// Defaults to twice Workers.
	Prefetch int
}

// DefaultOptions returns the options used for training.
func DefaultOptions() Options {
	return Options{BatchSize: 16, Shuffle: true, Workers: runtime.NumCPU()}
}

func (o Options) withDefaults() (Options, error) {
	if o.BatchSize <= 0 {
		return o, errors.Errorf("batch size must be positive, got %d", o.BatchSize)
	}
	if o.Workers < 0 || o.Prefetch < 0 {
		return o, errors.Errorf("workers (%d) and prefetch (%d) must not be negative", o.Workers, o.Prefetch)
	}
	if o.Workers == 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Prefetch == 0 {
		o.Prefetch = 2 * o.Workers
	}
	return o, nil
}

// Loader yields the batches of a BatchSource epoch after epoch.
//
// Next and Yield are meant to be called from a single consumer goroutine;
// Reset and Close may be called from any goroutine.
type Loader struct {
	source BatchSource
	opts   Options

	mu     sync.Mutex
	epoch  int
	run    *epochRun
	err    error // sticky until Reset
	closed bool
}

var _ train.Dataset = (*Loader)(nil)

// New creates a Loader. Nothing is decoded until the first call to Next or
// Yield.
func New(source BatchSource, opts Options) (*Loader, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, errors.WithMessagef(err, "loader for %s", source.Name())
	}
	return &Loader{source: source, opts: opts}, nil
}

// Plan returns the batches of the given epoch, as subset positions.
func (l *Loader) Plan(epoch int) [][]int {
	n := l.source.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		rng := rand.New(rand.NewPCG(l.opts.Seed, uint64(epoch)))
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	var plan [][]int
	for start := 0; start < n; start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, n)
		if end-start < l.opts.BatchSize && l.opts.DropLast {
			break
		}
		plan = append(plan, order[start:end])
	}
	return plan
}

// NumBatches returns the number of batches per epoch.
func (l *Loader) NumBatches() int {
	n := l.source.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Epoch returns the current epoch number, starting at 0 and incremented by
// Reset.
func (l *Loader) Epoch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

type result struct {
	batch *datasets.Batch
	err   error
}

// epochRun decodes the batches of one epoch.
type epochRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// results has one slot per planned batch, so batches are consumed in plan
	// order whatever order the workers finish in.
	results []chan result
	next    int

	// tokens bounds how many batches are decoded ahead of the consumer.
	tokens chan struct{}
}

func (l *Loader) start(epoch int) *epochRun {
	plan := l.Plan(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	r := &epochRun{
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		results: make([]chan result, len(plan)),
		tokens:  make(chan struct{}, l.opts.Prefetch),
	}
	for i := range r.results {
		r.results[i] = make(chan result, 1)
	}

	jobs := make(chan int)
	group.Go(func() error {
		defer close(jobs)
		for i := range plan {
			select {
			case r.tokens <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for range min(l.opts.Workers, max(len(plan), 1)) {
		group.Go(func() error {
			for i := range jobs {
				b, err := l.source.Batch(plan[i])
				if err != nil {
					err = errors.WithMessagef(err, "%s: batch %d of epoch %d", l.source.Name(), i, epoch)
					klog.Errorf("Loader: %v", err)
				}
				// Errors travel in their slot, so they reach the consumer in plan
				// order after every earlier batch.
				r.results[i] <- result{batch: b, err: err}
			}
			return nil
		})
	}
	klog.V(1).Infof("Loader %s: epoch %d started, %d batches", l.source.Name(), epoch, len(plan))
	return r
}

// Next returns the next batch of the epoch, or io.EOF once all were returned.
// After an error, Next keeps returning it until Reset.
func (l *Loader) Next(ctx context.Context) (*datasets.Batch, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	if l.run == nil {
		l.run = l.start(l.epoch)
	}
	r := l.run
	l.mu.Unlock()

	if r.next >= len(r.results) {
		return nil, io.EOF
	}
	select {
	case res := <-r.results[r.next]:
		r.next++
		<-r.tokens
		if res.err != nil {
			return nil, l.fail(r, res.err)
		}
		return res.batch, nil
	case <-r.ctx.Done():
		// Only Reset and Close cancel a run that is still being consumed.
		return nil, l.fail(r, errReset)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fail records err as the sticky error, if r is still the current run, and
// cancels the run. Its goroutines are reaped in the background.
func (l *Loader) fail(r *epochRun, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == r && l.err == nil {
		l.err = err
		r.cancel()
		go func() { _ = r.group.Wait() }()
	}
	return err
}

// stop cancels the current run and waits for its workers to return. Workers
// never take l.mu, so it is called with l.mu held.
func (l *Loader) stop() {
	r := l.run
	if r == nil {
		return
	}
	l.run = nil
	r.cancel()
	_ = r.group.Wait()
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return l.source.Name() }

// Reset implements train.Dataset: it abandons the current epoch and starts the
// next one, clearing any error.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stop()
	l.err = nil
	l.epoch++
}

// Close abandons in-flight batches and releases the workers.
func (l *Loader) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stop()
}

// Yield implements train.Dataset. The spec is the comma separated list of the
// input keys, the inputs are the batch tensors in that order, and the labels
// are the positives and negatives masks.
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	b, err := l.Next(context.Background())
	if err != nil {
		return nil, nil, nil, err
	}
	return strings.Join(b.Keys(), ","), b.Tensors(), b.Labels(), nil
}
