// Package sink accepts usage and error events from the provider runtime.
// Delivery is best-effort: events are queued to a background goroutine and
// dropped when the queue is full, never blocking a request. Aggregated
// usage totals are optionally persisted to a bbolt database so they survive
// restarts.
package sink

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// UsageEvent is emitted after every successful upstream call.
type UsageEvent struct {
	RequestID        string `json:"requestId"`
	ProviderKey      string `json:"providerKey"`
	Model            string `json:"model"`
	RouteName        string `json:"routeName,omitempty"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	TotalTokens      int64  `json:"totalTokens"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Timestamp        int64  `json:"timestamp"`
}

// ErrorEvent is emitted for every classified provider failure. Details are
// pre-redacted by the transport: API keys appear only as fingerprints.
type ErrorEvent struct {
	RequestID   string         `json:"requestId"`
	ProviderKey string         `json:"providerKey"`
	Model       string         `json:"model"`
	StatusCode  int            `json:"statusCode"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	RateLimit   bool           `json:"rateLimit"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   int64          `json:"timestamp"`
}

// Sink receives usage and error events.
type Sink interface {
	RecordUsage(ev UsageEvent)
	RecordError(ev ErrorEvent)
	Close() error
}

// Nop is a Sink that discards everything. Used in tests.
type Nop struct{}

func (Nop) RecordUsage(UsageEvent) {}
func (Nop) RecordError(ErrorEvent) {}
func (Nop) Close() error           { return nil }

// usageBucket is the bbolt bucket holding aggregate totals keyed by
// "<providerKey>.<model>".
var usageBucket = []byte("usage_totals")

// EventSink logs every event and aggregates usage totals into an optional
// bbolt database.
type EventSink struct {
	db     *bolt.DB
	events chan any
	done   chan struct{}
}

// aggregate is the persisted per-(providerKey, model) usage total.
type aggregate struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

// NewEventSink creates the default sink. dbPath may be empty to disable
// persistence.
func NewEventSink(dbPath string) (*EventSink, error) {
	var db *bolt.DB
	if dbPath != "" {
		var err error
		db, err = bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, err
		}
		err = db.Update(func(tx *bolt.Tx) error {
			_, errBucket := tx.CreateBucketIfNotExists(usageBucket)
			return errBucket
		})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	s := &EventSink{
		db:     db,
		events: make(chan any, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// RecordUsage queues a usage event; drops it when the queue is full.
func (s *EventSink) RecordUsage(ev UsageEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	select {
	case s.events <- ev:
	default:
		log.Debug("usage sink queue full, dropping event")
	}
}

// RecordError queues an error event; drops it when the queue is full.
func (s *EventSink) RecordError(ev ErrorEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	select {
	case s.events <- ev:
	default:
		log.Debug("error sink queue full, dropping event")
	}
}

// Close drains the queue and closes the database.
func (s *EventSink) Close() error {
	close(s.events)
	<-s.done
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *EventSink) run() {
	defer close(s.done)
	for ev := range s.events {
		switch e := ev.(type) {
		case UsageEvent:
			data, _ := json.Marshal(e)
			log.Debugf("usage: %s", data)
			s.persistUsage(e)
		case ErrorEvent:
			data, _ := json.Marshal(e)
			log.Warnf("provider error: %s", data)
		}
	}
}

func (s *EventSink) persistUsage(ev UsageEvent) {
	if s.db == nil {
		return
	}
	key := []byte(ev.ProviderKey + "." + ev.Model)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(usageBucket)
		var agg aggregate
		if existing := bucket.Get(key); existing != nil {
			_ = json.Unmarshal(existing, &agg)
		}
		agg.Requests++
		agg.PromptTokens += ev.PromptTokens
		agg.CompletionTokens += ev.CompletionTokens
		agg.TotalTokens += ev.TotalTokens
		data, errMarshal := json.Marshal(agg)
		if errMarshal != nil {
			return errMarshal
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		log.Debugf("usage sink persistence failed: %v", err)
	}
}

// UsageTotals reads back the persisted aggregate for a pipeline, zero when
// persistence is disabled or the key is unknown.
func (s *EventSink) UsageTotals(providerKey, model string) (requests, totalTokens int64) {
	if s.db == nil {
		return 0, 0
	}
	key := []byte(providerKey + "." + model)
	_ = s.db.View(func(tx *bolt.Tx) error {
		if existing := tx.Bucket(usageBucket).Get(key); existing != nil {
			var agg aggregate
			if err := json.Unmarshal(existing, &agg); err == nil {
				requests = agg.Requests
				totalTokens = agg.TotalTokens
			}
		}
		return nil
	})
	return requests, totalTokens
}
