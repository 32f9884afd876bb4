package tracker

import (
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/util/log"
)

var metricListenerEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "rill",
	Name:      "tracker_listener_events_dropped_total",
	Help:      "Total listener events dropped because a subscriber fell behind.",
})

// Listener observes receiver lifecycle events. Delivery is best effort:
// events are dropped when a subscriber falls behind.
type Listener interface {
	OnReceiverStarted(info model.ReceiverInfo)
	OnReceiverError(info model.ReceiverInfo)
	OnReceiverStopped(info model.ReceiverInfo)
}

const (
	eventReceiverStarted = iota
	eventReceiverError
	eventReceiverStopped

	subscriberQueueSize = 64
)

type listenerEvent struct {
	kind int
	info model.ReceiverInfo
}

type subscriber struct {
	listener Listener
	ch       chan listenerEvent
	done     chan struct{}
}

// ListenerBus fans receiver events out to subscribers, one dispatch goroutine
// each. There is no back channel from listeners.
type ListenerBus struct {
	dropLogger *log.RateLimitedLogger

	mtx         sync.Mutex
	subscribers []*subscriber
	stopped     bool
}

func NewListenerBus(logger kitlog.Logger) *ListenerBus {
	return &ListenerBus{
		dropLogger: log.NewRateLimitedLogger(1, logger),
	}
}

func (b *ListenerBus) Register(l Listener) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.stopped {
		return
	}

	sub := &subscriber{
		listener: l,
		ch:       make(chan listenerEvent, subscriberQueueSize),
		done:     make(chan struct{}),
	}
	b.subscribers = append(b.subscribers, sub)

	go sub.run()
}

func (b *ListenerBus) PublishReceiverStarted(info model.ReceiverInfo) {
	b.publish(listenerEvent{kind: eventReceiverStarted, info: info})
}

func (b *ListenerBus) PublishReceiverError(info model.ReceiverInfo) {
	b.publish(listenerEvent{kind: eventReceiverError, info: info})
}

func (b *ListenerBus) PublishReceiverStopped(info model.ReceiverInfo) {
	b.publish(listenerEvent{kind: eventReceiverStopped, info: info})
}

func (b *ListenerBus) publish(ev listenerEvent) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.stopped {
		return
	}

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			metricListenerEventsDropped.Inc()
			_ = b.dropLogger.Log("msg", "dropping listener event, subscriber is too slow")
		}
	}
}

func (b *ListenerBus) Stop() {
	b.mtx.Lock()
	if b.stopped {
		b.mtx.Unlock()
		return
	}
	b.stopped = true
	subs := b.subscribers
	b.mtx.Unlock()

	for _, sub := range subs {
		close(sub.ch)
		<-sub.done
	}
}

func (s *subscriber) run() {
	defer close(s.done)

	for ev := range s.ch {
		switch ev.kind {
		case eventReceiverStarted:
			s.listener.OnReceiverStarted(ev.info)
		case eventReceiverError:
			s.listener.OnReceiverError(ev.info)
		case eventReceiverStopped:
			s.listener.OnReceiverStopped(ev.info)
		}
	}
}
