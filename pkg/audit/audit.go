// Package audit contains the worker pool that persists block events
// asynchronously, keeping the audit trail off the query hot path.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"sinkhole/pkg/blackhole"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/storage"
)

// Logger manages a worker pool for asynchronous audit event delivery.
// This prevents spawning a new goroutine for every blocked query.
type Logger struct {
	eventCh   chan *storage.Event
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	store     storage.Store
	logger    *logging.Logger
	dropped   atomic.Uint64
	buffered  atomic.Uint64
	closeOnce sync.Once
}

// NewLogger creates an audit logger with a fixed worker pool
func NewLogger(store storage.Store, logger *logging.Logger, bufferSize, workers int) *Logger {
	ctx, cancel := context.WithCancel(context.Background())

	al := &Logger{
		eventCh: make(chan *storage.Event, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		store:   store,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		al.wg.Add(1)
		go al.worker(i)
	}

	if logger != nil {
		logger.Info("Audit logger worker pool started",
			"workers", workers,
			"buffer_size", bufferSize)
	}

	return al
}

// Record builds an audit event for a matched transaction and queues it for
// async persistence. Every blocked query produces exactly one event; the
// disposition branch and reply value come from the synthesis outcome.
// Returns storage.ErrBufferFull when the pipeline is saturated (the event
// is dropped, never blocking the caller).
func (al *Logger) Record(txn blackhole.Transaction, outcome blackhole.Outcome) error {
	event := &storage.Event{
		Timestamp:      time.Now(),
		ClientIP:       txn.Client.IP,
		ClientPort:     txn.Client.Port,
		QueryName:      txn.Question.Name,
		QueryType:      typeName(txn.Question.Qtype),
		QueryClass:     className(txn.Question.Qclass),
		Branch:         string(outcome.Branch),
		ReplyValue:     outcome.Reply,
		Classification: txn.Classification,
	}

	if al.logger != nil {
		al.logger.Info("Blocked query",
			"query_name", event.QueryName,
			"query_type", event.QueryType,
			"client_ip", event.ClientIP,
			"branch", event.Branch,
			"classification", event.Classification)
	}

	return al.logAsync(event)
}

// logAsync queues an event for async processing (non-blocking)
func (al *Logger) logAsync(event *storage.Event) error {
	select {
	case al.eventCh <- event:
		al.buffered.Add(1)
		return nil
	default:
		al.dropped.Add(1)

		if al.logger != nil {
			al.logger.Warn("Audit buffer full, dropping event",
				"query_name", event.QueryName,
				"client_ip", event.ClientIP,
				"dropped_total", al.dropped.Load())
		}

		return storage.ErrBufferFull
	}
}

// worker processes audit events from the channel
func (al *Logger) worker(id int) {
	defer al.wg.Done()

	for {
		select {
		case <-al.ctx.Done():
			// Drain remaining events before exiting
			al.drainChannel()
			return

		case event, ok := <-al.eventCh:
			if !ok {
				return
			}

			al.buffered.Add(^uint64(0)) // atomic decrement

			logCtx, cancel := context.WithTimeout(al.ctx, storage.DefaultLogTimeout)

			if err := al.store.LogEvent(logCtx, event); err != nil {
				if al.logger != nil {
					al.logger.Error("Failed to persist audit event",
						"worker", id,
						"query_name", event.QueryName,
						"client_ip", event.ClientIP,
						"error", err)
				}
			}

			cancel()
		}
	}
}

// drainChannel processes remaining events in the channel during shutdown
func (al *Logger) drainChannel() {
	for {
		select {
		case event, ok := <-al.eventCh:
			if !ok {
				return
			}

			al.buffered.Add(^uint64(0)) // atomic decrement

			// Main context is canceled, use a fresh one
			logCtx, cancel := context.WithTimeout(context.Background(), storage.DefaultLogTimeout)

			if err := al.store.LogEvent(logCtx, event); err != nil {
				if al.logger != nil {
					al.logger.Error("Failed to persist audit event during shutdown",
						"query_name", event.QueryName,
						"error", err)
				}
			}

			cancel()

		default:
			return
		}
	}
}

// Close gracefully shuts down the worker pool, waiting for the workers to
// finish any remaining events. Safe to call multiple times.
func (al *Logger) Close() error {
	al.closeOnce.Do(func() {
		if al.logger != nil {
			al.logger.Info("Shutting down audit logger",
				"buffered_events", al.buffered.Load(),
				"dropped_total", al.dropped.Load())
		}

		al.cancel()
		al.wg.Wait()
		close(al.eventCh)

		if al.logger != nil {
			al.logger.Info("Audit logger shutdown complete")
		}
	})

	return nil
}

// Stats returns audit pipeline statistics
func (al *Logger) Stats() (buffered, dropped uint64) {
	return al.buffered.Load(), al.dropped.Load()
}

// typeName returns the textual name for a DNS record type, falling back to
// the RFC 3597 TYPE### form for types miekg/dns has no name for.
func typeName(qtype uint16) string {
	if name, ok := dns.TypeToString[qtype]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

// className returns the textual name for a DNS class.
func className(qclass uint16) string {
	if name, ok := dns.ClassToString[qclass]; ok {
		return name
	}
	return fmt.Sprintf("CLASS%d", qclass)
}
