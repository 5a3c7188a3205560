package repo

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// uploader runs idx uploads in the background bounded to a queue
// depth of one (spec.md §5): the foreground thread blocks in Submit
// once one upload is already in flight, and the first error raised by
// any upload is re-surfaced on the next Submit or on Close.
type uploader struct {
	sem *semaphore.Weighted
	g   *errgroup.Group

	mu       sync.Mutex
	firstErr error
}

func newUploader(queueDepth int64) *uploader {
	return &uploader{sem: semaphore.NewWeighted(queueDepth), g: &errgroup.Group{}}
}

// Submit runs fn in the background, blocking until a queue slot is
// free. Returns any error already recorded by an earlier upload.
func (u *uploader) Submit(fn func() error) error {
	if err := u.checkErr(); err != nil {
		return err
	}
	if err := u.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	u.g.Go(func() error {
		defer u.sem.Release(1)
		if err := fn(); err != nil {
			u.mu.Lock()
			if u.firstErr == nil {
				u.firstErr = err
			}
			u.mu.Unlock()
			return err
		}
		return nil
	})
	return u.checkErr()
}

func (u *uploader) checkErr() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.firstErr
}

// Close waits for every in-flight upload to finish and returns the
// first error encountered, if any.
func (u *uploader) Close() error {
	if err := u.g.Wait(); err != nil {
		return err
	}
	return u.checkErr()
}
