package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AvatarVideo-server/events"
	"AvatarVideo-server/logger"
	"AvatarVideo-server/metrics"

	"gorm.io/gorm"
)

// Event is a decoded entry of the orchestration log.
type Event struct {
	ID        uint64
	Topic     events.Topic
	Payload   events.Payload
	CreatedAt time.Time
}

// Subscriber is told about every published event. Enroll runs inside the
// publishing transaction; Dispatch runs after commit with what Enroll returned.
// Wake runs after commit too, for runs suspended on the event's topic.
type Subscriber interface {
	Enroll(tx *gorm.DB, ev Event) ([]string, error)
	Dispatch(ctx context.Context, runIDs []string)
	Wake(ctx context.Context, topic events.Topic)
}

// Bus is the durable publish/subscribe log. In-process waiters are woken
// directly; waiters in other processes find new rows on their next scan.
type Bus struct {
	db      *gorm.DB
	log     *logger.Logger
	metrics *metrics.Metrics

	// PollInterval bounds how long a waiter sleeps between scans when no
	// in-process notification arrives.
	PollInterval time.Duration

	mu      sync.Mutex
	waiters map[events.Topic]map[chan struct{}]struct{}
	sub     Subscriber
}

func NewBus(db *gorm.DB, log *logger.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		db:           db,
		log:          log,
		metrics:      m,
		PollInterval: time.Second,
		waiters:      make(map[events.Topic]map[chan struct{}]struct{}),
	}
}

func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.sub = s
	b.mu.Unlock()
}

// Publish appends p to the log and fans it out. It returns once the event is
// committed.
func (b *Bus) Publish(ctx context.Context, p events.Payload) (Event, error) {
	data, err := events.Encode(p)
	if err != nil {
		return Event{}, err
	}
	b.mu.Lock()
	sub := b.sub
	b.mu.Unlock()

	rec := EventRecord{Topic: string(p.Topic()), Payload: data}
	var runIDs []string
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		if sub == nil {
			return nil
		}
		ids, err := sub.Enroll(tx, Event{ID: rec.ID, Topic: p.Topic(), Payload: p, CreatedAt: rec.CreatedAt})
		runIDs = ids
		return err
	})
	if err != nil {
		return Event{}, fmt.Errorf("publish %s: %w", p.Topic(), err)
	}
	b.metrics.EventsPublished.WithLabelValues(string(p.Topic())).Inc()
	b.log.Debug("event published", "topic", p.Topic(), "event_id", rec.ID)

	b.notify(p.Topic())
	if sub != nil {
		if len(runIDs) > 0 {
			sub.Dispatch(ctx, runIDs)
		}
		sub.Wake(ctx, p.Topic())
	}
	return Event{ID: rec.ID, Topic: p.Topic(), Payload: p, CreatedAt: rec.CreatedAt}, nil
}

// LatestID is the id of the newest event, 0 for an empty log. A wait that
// starts now only sees events above it.
func (b *Bus) LatestID(ctx context.Context) (uint64, error) {
	var id uint64
	err := b.db.WithContext(ctx).Model(&EventRecord{}).Select("COALESCE(MAX(id), 0)").Scan(&id).Error
	return id, err
}

// Load fetches and decodes one event.
func (b *Bus) Load(ctx context.Context, id uint64) (Event, error) {
	var rec EventRecord
	if err := b.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return Event{}, fmt.Errorf("load event %d: %w", id, err)
	}
	return decodeRecord(rec)
}

// WaitFor blocks until an event on topic matching match is published, the
// timeout elapses or ctx ends. Events already in the log are not considered.
func (b *Bus) WaitFor(ctx context.Context, topic events.Topic, timeout time.Duration, match func(events.Payload) bool) (Event, error) {
	cursor, err := b.LatestID(ctx)
	if err != nil {
		return Event{}, err
	}
	return b.await(ctx, topic, cursor, time.Now().Add(timeout), timeout, match)
}

// await returns the first event with id > cursor on topic that satisfies
// match and was created no later than deadline.
func (b *Bus) await(ctx context.Context, topic events.Topic, cursor uint64, deadline time.Time, timeout time.Duration, match func(events.Payload) bool) (Event, error) {
	ch := b.listen(topic)
	defer b.unlisten(topic, ch)

	for {
		expired := !time.Now().Before(deadline)
		ev, ok, seen, err := b.scan(ctx, topic, cursor, deadline, match)
		if err != nil {
			return Event{}, err
		}
		if ok {
			return ev, nil
		}
		cursor = seen
		if expired {
			b.metrics.WaitTimeouts.WithLabelValues(string(topic)).Inc()
			return Event{}, &TimeoutError{Topic: topic, Waited: timeout}
		}

		remaining := time.Until(deadline)
		if remaining > b.PollInterval {
			remaining = b.PollInterval
		}
		if remaining <= 0 {
			continue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Event{}, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// scan looks once for the first event with id > cursor on topic that
// satisfies match and was created no later than deadline. seen is the last id
// it examined.
func (b *Bus) scan(ctx context.Context, topic events.Topic, cursor uint64, deadline time.Time, match func(events.Payload) bool) (ev Event, ok bool, seen uint64, err error) {
	var recs []EventRecord
	err = b.db.WithContext(ctx).
		Where("topic = ? AND id > ? AND created_at <= ?", string(topic), cursor, deadline).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return Event{}, false, cursor, fmt.Errorf("scan %s: %w", topic, err)
	}
	seen = cursor
	for _, rec := range recs {
		seen = rec.ID
		ev, err := decodeRecord(rec)
		if err != nil {
			b.log.Warn("skipping undecodable event", "event_id", rec.ID, "error", err)
			continue
		}
		if match == nil || match(ev.Payload) {
			return ev, true, seen, nil
		}
	}
	return Event{}, false, seen, nil
}

// newer reports whether any event on topic has an id above after.
func (b *Bus) newer(ctx context.Context, topic events.Topic, after uint64) (bool, error) {
	var n int64
	err := b.db.WithContext(ctx).Model(&EventRecord{}).
		Where("topic = ? AND id > ?", string(topic), after).
		Limit(1).Count(&n).Error
	return n > 0, err
}

func (b *Bus) listen(topic events.Topic) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.waiters[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.waiters[topic] = set
	}
	set[ch] = struct{}{}
	return ch
}

func (b *Bus) unlisten(topic events.Topic, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiters[topic], ch)
	if len(b.waiters[topic]) == 0 {
		delete(b.waiters, topic)
	}
}

func (b *Bus) notify(topic events.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.waiters[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func decodeRecord(rec EventRecord) (Event, error) {
	p, err := events.Decode(events.Topic(rec.Topic), rec.Payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: rec.ID, Topic: events.Topic(rec.Topic), Payload: p, CreatedAt: rec.CreatedAt}, nil
}
