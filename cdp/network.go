package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	cdpnetwork "github.com/chromedp/cdproto/network"
)

// NetworkTracker counts the requests a page has in flight, from the Network
// domain events of the browser.
type NetworkTracker struct {
	mu       sync.Mutex
	inflight map[cdpnetwork.RequestID]struct{}
	seen     int

	stop func()
	done chan struct{}
}

// TrackNetwork enables the Network domain and starts tracking requests until
// ctx is done or Stop is called.
func (c *Client) TrackNetwork(ctx context.Context) (*NetworkTracker, error) {
	events, unsubscribe := c.Subscribe(ctx,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
	)
	if err := c.Network.Enable(ctx); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("tracking network: %w", err)
	}

	t := &NetworkTracker{
		inflight: make(map[cdpnetwork.RequestID]struct{}),
		stop:     unsubscribe,
		done:     make(chan struct{}),
	}
	go t.loop(events)

	return t, nil
}

func (t *NetworkTracker) loop(events <-chan *Event) {
	defer close(t.done)

	for evt := range events {
		t.mu.Lock()
		switch ev := evt.Data.(type) {
		case *cdpnetwork.EventRequestWillBeSent:
			// redirects reuse the request ID and are not new requests
			if _, ok := t.inflight[ev.RequestID]; !ok {
				t.seen++
			}
			t.inflight[ev.RequestID] = struct{}{}
		case *cdpnetwork.EventLoadingFinished:
			delete(t.inflight, ev.RequestID)
		case *cdpnetwork.EventLoadingFailed:
			delete(t.inflight, ev.RequestID)
		}
		t.mu.Unlock()
	}
}

// Inflight returns the number of requests sent and not yet finished or failed.
func (t *NetworkTracker) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Seen returns the number of distinct requests observed.
func (t *NetworkTracker) Seen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen
}

// Stop stops tracking and waits for pending events to be processed.
func (t *NetworkTracker) Stop() {
	t.stop()
	<-t.done
}
