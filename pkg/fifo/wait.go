package fifo

import (
	"context"
	"time"
)

// pollInterval bounds how long a waiter parks before re-checking the buffer,
// in case a notification was consumed by another waiter.
const pollInterval = 5 * time.Millisecond

// ReadFull keeps reading from rb until p is filled or ctx is done. Between
// partial reads it parks on rb.Readable. It returns the bytes read and
// ctx.Err() when it gave up early.
func ReadFull(ctx context.Context, rb *RingBuffer, p []byte) (int, error) {
	total := 0

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for total < len(p) {
		total += rb.Read(p[total:])
		if total == len(p) {
			break
		}

		if err := park(ctx, rb.Readable(), timer); err != nil {
			return total, err
		}
	}

	return total, nil
}

// WriteFull keeps writing to rb until all of p is stored or ctx is done,
// parking on rb.Writable between partial writes.
func WriteFull(ctx context.Context, rb *RingBuffer, p []byte) (int, error) {
	total := 0

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for total < len(p) {
		total += rb.Write(p[total:])
		if total == len(p) {
			break
		}

		if err := park(ctx, rb.Writable(), timer); err != nil {
			return total, err
		}
	}

	return total, nil
}

func park(ctx context.Context, ready <-chan struct{}, timer *time.Timer) error {
	timer.Reset(pollInterval)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
	case <-timer.C:
	}

	return nil
}
