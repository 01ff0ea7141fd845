// Package compute provides the device and queue handles the convolution
// engine submits per-channel work to. Device enumeration is a thin stand-in
// for the vendor listing tools: the engine only needs a queue to submit to
// and the number of compute units it may use.
package compute

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrDeviceUnavailable is returned when a queue is requested on a device this
// build cannot drive. It is fatal at startup; there is no degraded mode.
var ErrDeviceUnavailable = errors.New("compute: device unavailable")

// ErrInvalidDepth is returned for a non-positive queue depth.
var ErrInvalidDepth = errors.New("compute: queue depth must be positive")

// Kind distinguishes the compute paths.
type Kind int

// Device kinds.
const (
	KindCPU Kind = iota
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Device describes one compute device.
type Device struct {
	ID           int
	Name         string
	Kind         Kind
	ComputeUnits int
	Available    bool
}

// Enumerate lists the devices known to this build. The host CPU is always
// present; the GPU entry is listed so selection by kind reports a clear error.
func Enumerate() []Device {
	return []Device{
		{ID: 0, Name: "host", Kind: KindCPU, ComputeUnits: runtime.GOMAXPROCS(0), Available: true},
		{ID: 1, Name: "gpu", Kind: KindGPU, ComputeUnits: 0, Available: false},
	}
}

// Select finds a device by kind name ("cpu", "gpu").
func Select(kind string) (Device, error) {
	for _, d := range Enumerate() {
		if strings.EqualFold(d.Kind.String(), kind) {
			return d, nil
		}
	}

	return Device{}, fmt.Errorf("%w: no %q device", ErrDeviceUnavailable, kind)
}

// Queue accepts batches of jobs for one device. Depth bounds the number of
// jobs in flight across all submitters; reservations never block.
type Queue struct {
	dev   Device
	depth int
	sem   *semaphore.Weighted
}

// NewQueue creates a queue on dev admitting at most depth jobs at once.
func NewQueue(dev Device, depth int) (*Queue, error) {
	if !dev.Available || dev.ComputeUnits <= 0 {
		return nil, fmt.Errorf("%w: %s (%s)", ErrDeviceUnavailable, dev.Name, dev.Kind)
	}

	if depth <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDepth, depth)
	}

	return &Queue{
		dev:   dev,
		depth: depth,
		sem:   semaphore.NewWeighted(int64(depth)),
	}, nil
}

// Device returns the device the queue runs on.
func (q *Queue) Device() Device {
	return q.dev
}

// Depth returns the maximum number of jobs in flight.
func (q *Queue) Depth() int {
	return q.depth
}

// TryReserve claims n job slots without blocking. It reports false when the
// queue cannot take all n now; nothing is claimed in that case.
func (q *Queue) TryReserve(n int) bool {
	return q.sem.TryAcquire(int64(n))
}

// Release returns n job slots claimed by TryReserve.
func (q *Queue) Release(n int) {
	q.sem.Release(int64(n))
}

// Dispatch runs fn(0..n-1) on at most ComputeUnits goroutines and waits for
// all of them. The caller must hold a reservation of n slots.
func (q *Queue) Dispatch(ctx context.Context, n int, fn func(i int) error) error {
	if n == 1 {
		return fn(0)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(q.dev.ComputeUnits)

	for i := range n {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			return fn(i)
		})
	}

	return g.Wait()
}
