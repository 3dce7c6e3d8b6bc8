package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
)

// Event is a CDP event received from the browser.
type Event struct {
	Name      cdproto.MethodType
	SessionID string
	Data      interface{}
}

type subscription struct {
	ch   chan *Event
	done <-chan struct{}
}

type eventWatcher struct {
	subsMu sync.RWMutex
	subs   map[cdproto.MethodType][]*subscription
}

func newEventWatcher() *eventWatcher {
	return &eventWatcher{
		subs: make(map[cdproto.MethodType][]*subscription),
	}
}

// subscribe registers a subscription for events until ctx is done or the
// returned function is called. The channel is closed on unsubscription.
func (w *eventWatcher) subscribe(ctx context.Context, events ...cdproto.MethodType) (<-chan *Event, func()) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ch:   make(chan *Event, 64),
		done: ctx.Done(),
	}

	w.subsMu.Lock()
	for _, evt := range events {
		w.subs[evt] = append(w.subs[evt], sub)
	}
	w.subsMu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			w.subsMu.Lock()
			defer w.subsMu.Unlock()
			for _, evt := range events {
				w.subs[evt] = removeSubscription(w.subs[evt], sub)
			}
			close(sub.ch)
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe
}

func removeSubscription(subs []*subscription, sub *subscription) []*subscription {
	kept := subs[:0]
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	return kept
}

// notify delivers evt to its subscribers. It blocks on a full subscriber
// until that subscriber goes away or stop is closed.
func (w *eventWatcher) notify(evt *Event, stop <-chan struct{}) {
	w.subsMu.RLock()
	subs := append([]*subscription(nil), w.subs[evt.Name]...)
	w.subsMu.RUnlock()

	for _, sub := range subs {
		w.deliver(sub, evt, stop)
	}
}

func (w *eventWatcher) deliver(sub *subscription, evt *Event, stop <-chan struct{}) {
	// the read lock keeps the channel from being closed while sending
	w.subsMu.RLock()
	defer w.subsMu.RUnlock()

	select {
	case <-sub.done:
		return
	default:
	}

	select {
	case sub.ch <- evt:
	case <-sub.done:
	case <-stop:
	}
}
