package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/formdesk/internal/forms"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "formdesk-api"
	realtimeBufferSize     = 16
)

// RealtimeMessage is one form event addressed to a schema owner.
type RealtimeMessage struct {
	OwnerID       string
	Slug          string
	EventType     string
	SubmissionIDs []string
	Timestamp     time.Time
}

// RealtimeDispatcher fans form events out to the owner's open event streams.
// Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	slug   string
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  realtimeBufferSize,
	}
}

// Subscribe registers a stream for ownerID's events on slug. An empty slug
// receives events for every form the owner has. The subscription ends when
// ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, ownerID, slug string) (<-chan RealtimeMessage, func()) {
	if ownerID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		slug:   slug,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(ownerID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(ownerID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishFormEvent adapts a forms event onto the owner's streams.
func (d *RealtimeDispatcher) PublishFormEvent(event forms.FormEvent) {
	d.Publish(RealtimeMessage{
		OwnerID:       event.OwnerID,
		Slug:          event.Slug,
		EventType:     event.Type,
		SubmissionIDs: append([]string(nil), event.SubmissionIDs...),
		Timestamp:     event.Timestamp,
	})
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.OwnerID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.OwnerID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.slug != "" && subscriber.slug != message.Slug {
			continue
		}
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(ownerID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[ownerID]; !ok {
		d.subscribers[ownerID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[ownerID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(ownerID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, ownerID)
		}
	}
	d.mu.Unlock()
}
