package dataset

import (
	"context"

	"github.com/unixpickle/anyasr"
)

type prefetched struct {
	batch  *Batch
	last   bool
	err    error
	epoch  int
	detail float64
}

// A Prefetcher wraps an Iterator and produces its next
// batch on a background goroutine.
type Prefetcher struct {
	it     Iterator
	ch     chan prefetched
	cancel context.CancelFunc

	epoch  int
	detail float64
}

// Prefetch starts prefetching from it.
// The underlying Iterator must not be used directly
// until Close is called.
func Prefetch(ctx context.Context, it Iterator) *Prefetcher {
	ctx, cancel := context.WithCancel(ctx)
	res := &Prefetcher{
		it:     it,
		ch:     make(chan prefetched, 1),
		cancel: cancel,
		epoch:  it.Epoch(),
		detail: it.EpochDetail(),
	}
	go res.run(ctx)
	return res
}

func (p *Prefetcher) run(ctx context.Context) {
	defer close(p.ch)
	for {
		batch, last, err := p.it.Next()
		item := prefetched{
			batch:  batch,
			last:   last,
			err:    err,
			epoch:  p.it.Epoch(),
			detail: p.it.EpochDetail(),
		}
		select {
		case p.ch <- item:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next batch.
func (p *Prefetcher) Next() (*Batch, bool, error) {
	item, ok := <-p.ch
	if !ok {
		return nil, false, context.Canceled
	}
	if item.err == nil {
		p.epoch = item.epoch
		p.detail = item.detail
	}
	return item.batch, item.last, item.err
}

// Close stops the background goroutine.
func (p *Prefetcher) Close() {
	p.cancel()
	for range p.ch {
	}
}

// Epoch returns the number of epochs completed by the
// batches returned so far.
func (p *Prefetcher) Epoch() int {
	return p.epoch
}

// EpochDetail is like Epoch, but fractional.
func (p *Prefetcher) EpochDetail() float64 {
	return p.detail
}

// Len returns the number of utterances per epoch.
func (p *Prefetcher) Len() int {
	return p.it.Len()
}

// Vocab returns the main vocabulary.
func (p *Prefetcher) Vocab() *anyasr.Vocab {
	return p.it.Vocab()
}

// SubVocab returns the sub-task vocabulary.
func (p *Prefetcher) SubVocab() *anyasr.Vocab {
	return p.it.SubVocab()
}

// InputDim returns the frame width.
func (p *Prefetcher) InputDim() int {
	return p.it.InputDim()
}
