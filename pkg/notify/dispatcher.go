package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"buildhooks/internal"
	"buildhooks/pkg/storage"
)

// Dispatcher consumes lifecycle events from the queue topics and fans each
// one out to the matching notification configs.
//
// A message is acked once its notifications have been dispatched, not once
// they completed: delivery is at-least-once and a crashed send is lost
// rather than redelivered.
type Dispatcher struct {
	subscriber message.Subscriber
	registry   *Registry
	store      storage.NotificationStore
	topics     []string
	log        *log.Logger

	inFlight atomic.Int64
	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher consuming the given topics.
func NewDispatcher(subscriber message.Subscriber, registry *Registry, store storage.NotificationStore, topics []string) *Dispatcher {
	return &Dispatcher{
		subscriber: subscriber,
		registry:   registry,
		store:      store,
		topics:     topics,
		log:        internal.NewLogger("dispatcher"),
	}
}

// Run starts one consumption loop per topic and returns. Use Shutdown (or
// RunUntil for signal-driven binaries) to stop.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.topics) == 0 {
		return errors.New("at least one topic is required")
	}
	for _, topic := range d.topics {
		messages, err := d.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		d.wg.Add(1)
		go d.consume(ctx, topic, messages)
	}
	return nil
}

func (d *Dispatcher) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if d.stopping.Load() {
				msg.Nack()
				continue
			}
			// The message counts as in flight for the whole of handle,
			// not just its send goroutines, so Shutdown cannot return
			// between consuming a message and dispatching it.
			d.inFlight.Add(1)
			d.handle(ctx, topic, msg)
			d.inFlight.Add(-1)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, topic string, msg *message.Message) {
	var evt internal.Event
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		d.log.Printf("drop undecodable message on %s: %v", topic, err)
		msg.Ack()
		return
	}
	if evt.RepositoryID == "" {
		d.log.Printf("drop %s event without repository id on %s", evt.Type, topic)
		msg.Ack()
		return
	}

	records, err := d.store.ListByEvent(ctx, evt.RepositoryID, evt.Type)
	if err != nil {
		d.log.Printf("load notifications for %s: %v", evt.RepositoryID, err)
		msg.Nack()
		return
	}

	for _, record := range records {
		// Records without an explicit event list fall back to the event
		// types their kind declares; an empty list never means "all".
		if len(record.Events) == 0 {
			desc, ok := d.registry.Get(record.Kind)
			if !ok || !containsEvent(desc.Events, evt.Type) {
				continue
			}
		}
		notification, err := Materialize(d.registry, record, d.log)
		if err != nil {
			d.log.Printf("skip notification %s: %v", record.ID, err)
			continue
		}
		d.inFlight.Add(1)
		go func() {
			defer d.inFlight.Add(-1)
			_, _ = notification.Run(ctx, evt)
		}()
	}
	msg.Ack()
}

func containsEvent(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}

// InFlight returns the number of messages being handled plus the
// notification sends still running.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// Shutdown stops accepting messages, waits for in-flight sends to finish
// (polling at short intervals) and closes the subscriber. The context bounds
// the wait.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopping.Store(true)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for d.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), d.subscriber.Close())
		case <-ticker.C:
		}
	}
	return d.subscriber.Close()
}

// RunUntil runs the dispatcher until stop is signalled, then shuts down
// with the given grace period. Intended for main.
func (d *Dispatcher) RunUntil(ctx context.Context, stop <-chan struct{}, grace time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := d.Run(runCtx); err != nil {
		return err
	}
	<-stop
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	err := d.Shutdown(shutdownCtx)
	cancel()
	d.wg.Wait()
	return err
}
