package lockclient

import (
	"context"
	"sync/atomic"
	"time"
)

// Heartbeat keeps one lease alive in the background. Transport errors are
// reported on Err and renewing continues; a lease the server no longer
// recognizes ends the heartbeat with ErrLeaseLost.
type Heartbeat struct {
	cancel   context.CancelFunc
	done     chan struct{}
	errs     chan error
	renewals atomic.Int64
	expiry   atomic.Int64
	lost     atomic.Bool
}

// StartHeartbeat renews l every opt.Interval until ctx is done, Stop is
// called, or the lease is lost. With a zero Interval the lease is renewed
// three times per ExtendBy.
func (c *Client) StartHeartbeat(ctx context.Context, l Lease, opt HeartbeatOptions) *Heartbeat {
	if opt.ExtendBy <= 0 {
		opt.ExtendBy = 500 * time.Millisecond
	}
	if opt.Interval <= 0 {
		opt.Interval = opt.ExtendBy / 3
	}
	ctx, cancel := context.WithCancel(ctx)
	hb := &Heartbeat{
		cancel: cancel,
		done:   make(chan struct{}),
		errs:   make(chan error, 1),
	}
	hb.expiry.Store(l.LeaseExpiryMS)
	go hb.loop(ctx, c, l, opt)
	return hb
}

func (hb *Heartbeat) loop(ctx context.Context, c *Client, l Lease, opt HeartbeatOptions) {
	defer close(hb.done)
	defer close(hb.errs)

	t := time.NewTicker(opt.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		exp, renewed, reason, err := c.RenewOnce(ctx, l, opt.ExtendBy)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			hb.report(err)
		case renewed:
			hb.renewals.Add(1)
			hb.expiry.Store(exp)
		case reason == ReasonNotOwnerOrExp:
			hb.lost.Store(true)
			hb.report(ErrLeaseLost)
			return
		}
	}
}

// report keeps only the most recent error.
func (hb *Heartbeat) report(err error) {
	select {
	case <-hb.errs:
	default:
	}
	select {
	case hb.errs <- err:
	default:
	}
}

// Err delivers the latest error and is closed when the heartbeat ends.
func (hb *Heartbeat) Err() <-chan error { return hb.errs }

// Done is closed once the heartbeat has stopped.
func (hb *Heartbeat) Done() <-chan struct{} { return hb.done }

// Stop ends the heartbeat and waits for it. It reports ErrLeaseLost if the
// lease was lost while the heartbeat ran.
func (hb *Heartbeat) Stop() error {
	hb.cancel()
	<-hb.done
	if hb.lost.Load() {
		return ErrLeaseLost
	}
	return nil
}

// Renewals is the number of successful renews so far.
func (hb *Heartbeat) Renewals() int64 { return hb.renewals.Load() }

// ExpiryMS is the lease expiry last confirmed by the server, in unix ms.
func (hb *Heartbeat) ExpiryMS() int64 { return hb.expiry.Load() }
