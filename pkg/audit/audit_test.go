package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"sinkhole/pkg/blackhole"
	"sinkhole/pkg/storage"
)

// captureStore records every persisted event in memory.
type captureStore struct {
	mu     sync.Mutex
	events []*storage.Event
	err    error
}

func (c *captureStore) LogEvent(_ context.Context, event *storage.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureStore) captured() []*storage.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*storage.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *captureStore) GetRecentEvents(context.Context, int, int) ([]*storage.Event, error) {
	return nil, nil
}
func (c *captureStore) GetEventsByClient(context.Context, string, int) ([]*storage.Event, error) {
	return nil, nil
}
func (c *captureStore) GetEventsByName(context.Context, string, int) ([]*storage.Event, error) {
	return nil, nil
}
func (c *captureStore) CountEvents(context.Context, time.Time) (int64, error) { return 0, nil }
func (c *captureStore) CountEventsByBranch(context.Context, time.Time) (map[string]int64, error) {
	return nil, nil
}
func (c *captureStore) Cleanup(context.Context, time.Time) error { return nil }
func (c *captureStore) Close() error                             { return nil }
func (c *captureStore) Ping(context.Context) error               { return nil }

func matchedTxn(name string, qtype uint16) blackhole.Transaction {
	return blackhole.Transaction{
		Question: blackhole.Question{
			Name:   name,
			Qtype:  qtype,
			Qclass: dns.ClassINET,
		},
		Client:         blackhole.Client{IP: "192.0.2.10", Port: 5353},
		Matched:        true,
		Classification: "C2",
		Suffix:         ".malware.example",
	}
}

func TestRecord_EventFields(t *testing.T) {
	store := &captureStore{}
	al := NewLogger(store, nil, 8, 2)

	txn := matchedTxn("c2.malware.example.", dns.TypeA)
	outcome := blackhole.Outcome{Branch: blackhole.BranchA, Reply: "10.1.1.26"}

	if err := al.Record(txn, outcome); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := store.captured()
	if len(events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events))
	}

	e := events[0]
	if e.QueryName != "c2.malware.example." {
		t.Errorf("QueryName = %q", e.QueryName)
	}
	if e.QueryType != "A" {
		t.Errorf("QueryType = %q, want A", e.QueryType)
	}
	if e.QueryClass != "IN" {
		t.Errorf("QueryClass = %q, want IN", e.QueryClass)
	}
	if e.ClientIP != "192.0.2.10" || e.ClientPort != 5353 {
		t.Errorf("client = %s:%d", e.ClientIP, e.ClientPort)
	}
	if e.Branch != "A-response" {
		t.Errorf("Branch = %q", e.Branch)
	}
	if e.ReplyValue != "10.1.1.26" {
		t.Errorf("ReplyValue = %q", e.ReplyValue)
	}
	if e.Classification != "C2" {
		t.Errorf("Classification = %q", e.Classification)
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestRecord_NoAnswerBranchHasEmptyReply(t *testing.T) {
	store := &captureStore{}
	al := NewLogger(store, nil, 8, 1)

	txn := matchedTxn("c2.malware.example.", dns.TypeMX)
	if err := al.Record(txn, blackhole.Outcome{Branch: blackhole.BranchNoAnswer}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	_ = al.Close()

	events := store.captured()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Branch != "unable-to-respond" {
		t.Errorf("Branch = %q", events[0].Branch)
	}
	if events[0].ReplyValue != "" {
		t.Errorf("ReplyValue = %q, want empty", events[0].ReplyValue)
	}
	if events[0].QueryType != "MX" {
		t.Errorf("QueryType = %q, want MX", events[0].QueryType)
	}
}

func TestRecord_BufferFullDropsEvent(t *testing.T) {
	store := &captureStore{}
	// No workers, so nothing consumes the channel
	al := NewLogger(store, nil, 1, 0)

	txn := matchedTxn("c2.malware.example.", dns.TypeA)
	outcome := blackhole.Outcome{Branch: blackhole.BranchA, Reply: "10.1.1.26"}

	if err := al.Record(txn, outcome); err != nil {
		t.Fatalf("first Record() error = %v", err)
	}
	if err := al.Record(txn, outcome); !errors.Is(err, storage.ErrBufferFull) {
		t.Fatalf("second Record() = %v, want ErrBufferFull", err)
	}

	buffered, dropped := al.Stats()
	if buffered != 1 {
		t.Errorf("buffered = %d, want 1", buffered)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	_ = al.Close()
}

func TestClose_DrainsPendingEvents(t *testing.T) {
	store := &captureStore{}
	al := NewLogger(store, nil, 64, 2)

	const total = 20
	txn := matchedTxn("c2.malware.example.", dns.TypeA)
	outcome := blackhole.Outcome{Branch: blackhole.BranchA, Reply: "10.1.1.26"}
	for i := 0; i < total; i++ {
		if err := al.Record(txn, outcome); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	if err := al.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := len(store.captured()); got != total {
		t.Errorf("persisted %d events, want %d", got, total)
	}
}

func TestClose_Idempotent(t *testing.T) {
	al := NewLogger(&captureStore{}, nil, 8, 2)
	if err := al.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRecord_StoreErrorDoesNotPropagate(t *testing.T) {
	store := &captureStore{err: errors.New("disk full")}
	al := NewLogger(store, nil, 8, 1)

	txn := matchedTxn("c2.malware.example.", dns.TypeA)
	if err := al.Record(txn, blackhole.Outcome{Branch: blackhole.BranchA, Reply: "10.1.1.26"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// Persistence failures are logged by the worker, never surfaced
	if err := al.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestTypeAndClassNames(t *testing.T) {
	if got := typeName(dns.TypeAAAA); got != "AAAA" {
		t.Errorf("typeName(AAAA) = %q", got)
	}
	if got := typeName(65280); got != "TYPE65280" {
		t.Errorf("typeName(65280) = %q", got)
	}
	if got := className(dns.ClassCHAOS); got != "CH" {
		t.Errorf("className(CHAOS) = %q", got)
	}
	if got := className(65280); got != "CLASS65280" {
		t.Errorf("className(65280) = %q", got)
	}
}
