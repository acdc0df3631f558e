// Package webhook receives provider webhooks, verifies them and routes
// them to registered handlers by event type.
package webhook

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"buildhooks/internal"
)

// RawEvent is a verified webhook delivery.
type RawEvent struct {
	Provider string
	Type     string
	Payload  []byte
	Data     map[string]interface{}
}

// HandlerFunc processes one webhook event. Handlers run on their own
// goroutine; the HTTP response only acknowledges receipt.
type HandlerFunc func(ctx context.Context, evt RawEvent)

// Router dispatches events to handlers keyed by event type. The event type
// is the provider's event header with the payload action appended when one
// is present, e.g. "push" or "installation-created".
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *log.Logger
	wg       sync.WaitGroup
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		log:      internal.NewLogger("webhook"),
	}
}

// Handle registers a handler for one event type.
func (r *Router) Handle(eventType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = fn
}

// Dispatch runs the handler for the event asynchronously. It reports
// whether a handler was registered.
func (r *Router) Dispatch(ctx context.Context, evt RawEvent) bool {
	r.mu.RLock()
	fn, ok := r.handlers[evt.Type]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	internal.IncWebhook(evt.Provider)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Printf("handler for %s panicked: %v", evt.Type, rec)
			}
		}()
		fn(ctx, evt)
	}()
	return true
}

// Wait blocks until all dispatched handlers returned. Used in tests and
// graceful shutdown.
func (r *Router) Wait() {
	r.wg.Wait()
}

// EventType joins the header event name with the payload action.
func EventType(header, action string) string {
	if action == "" {
		return header
	}
	return header + "-" + action
}

// writeAck sends the acknowledgement body shared by all webhook endpoints.
func writeAck(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code": http.StatusOK,
		"msg":  msg,
	})
}
