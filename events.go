package audioengine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/groovelab/audioengine/internal/audio"
	"github.com/groovelab/audioengine/internal/delivery"
	"github.com/groovelab/audioengine/internal/routing"
)

// EngineEventType represents the kinds of events pushed to websocket subscribers
type EngineEventType string

const (
	EventQualityChanged EngineEventType = "quality-changed"
	EventMetricsUpdate  EngineEventType = "metrics-update"
	EventRouteTable     EngineEventType = "route-table"
	EventDelivery       EngineEventType = "delivery"
)

const (
	subscriberQueueSize = 64
	writeTimeout        = 5 * time.Second
)

// EngineEvent represents a websocket event
type EngineEvent struct {
	Type EngineEventType `json:"type"`
	Data interface{}     `json:"data"`
}

// QualityChangedData carries a configuration transition
type QualityChangedData struct {
	Previous  audio.QualityConfiguration `json:"previous"`
	Current   audio.QualityConfiguration `json:"current"`
	Emergency bool                       `json:"emergency"`
	Reason    string                     `json:"reason,omitempty"`
	// Crossfade is set when the level changed
	Crossfade *audio.CrossfadePlan `json:"crossfade,omitempty"`
}

// MetricsData is the periodic metrics payload
type MetricsData struct {
	Quality  audio.QualityLevel         `json:"quality"`
	Scaler   audio.QualityScalerMetrics `json:"scaler"`
	Routing  routing.RoutingMetrics     `json:"routing"`
	Progress float64                    `json:"progress"`
}

// StateSource supplies the state sent to new subscribers and in metric updates
type StateSource interface {
	Snapshot() Snapshot
}

type eventSubscriber struct {
	conn   *websocket.Conn
	ctx    context.Context
	queue  chan EngineEvent
	logger zerolog.Logger
}

// EventBroadcaster fans engine events out to websocket subscribers. Each
// subscriber has its own queue so a slow connection never blocks publishers.
type EventBroadcaster struct {
	subscribers map[string]*eventSubscriber
	mutex       sync.RWMutex
	source      StateSource
	logger      zerolog.Logger
	dropped     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster. source may be nil, in which case
// new subscribers get no initial state.
func NewEventBroadcaster(source StateSource, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		subscribers: make(map[string]*eventSubscriber),
		source:      source,
		logger:      logger.With().Str("component", "engine-events").Logger(),
	}
}

// Subscribe adds a websocket connection to receive engine events
func (eb *EventBroadcaster) Subscribe(ctx context.Context, connectionID string, conn *websocket.Conn) {
	sub := &eventSubscriber{
		conn:   conn,
		ctx:    ctx,
		queue:  make(chan EngineEvent, subscriberQueueSize),
		logger: eb.logger.With().Str("connectionID", connectionID).Logger(),
	}

	eb.mutex.Lock()
	if old, ok := eb.subscribers[connectionID]; ok {
		close(old.queue)
	}
	eb.subscribers[connectionID] = sub
	if eb.source != nil {
		snap := eb.source.Snapshot()
		sub.queue <- EngineEvent{Type: EventQualityChanged, Data: QualityChangedData{
			Previous:  snap.Configuration,
			Current:   snap.Configuration,
			Emergency: snap.Emergency,
			Reason:    snap.EmergencyReason,
		}}
		sub.queue <- EngineEvent{Type: EventRouteTable, Data: snap.Routes}
	}
	eb.mutex.Unlock()

	eb.logger.Info().Str("connectionID", connectionID).Msg("engine events subscription added")
	go eb.writeLoop(connectionID, sub)
}

// Unsubscribe removes a websocket connection from engine events
func (eb *EventBroadcaster) Unsubscribe(connectionID string) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if sub, ok := eb.subscribers[connectionID]; ok {
		delete(eb.subscribers, connectionID)
		close(sub.queue)
		eb.logger.Info().Str("connectionID", connectionID).Msg("engine events subscription removed")
	}
}

// SubscriberCount returns the number of live subscriptions
func (eb *EventBroadcaster) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// Dropped returns the number of events discarded because a subscriber queue was full
func (eb *EventBroadcaster) Dropped() int64 {
	return eb.dropped.Load()
}

// Publish forwards a delivery event. It satisfies delivery.EventSink.
func (eb *EventBroadcaster) Publish(evt delivery.Event) {
	eb.broadcast(EngineEvent{Type: EventDelivery, Data: evt})
}

// BroadcastQualityChanged announces a scaler configuration change
func (eb *EventBroadcaster) BroadcastQualityChanged(previous, current audio.QualityConfiguration, emergency bool, reason string) {
	data := QualityChangedData{
		Previous:  previous,
		Current:   current,
		Emergency: emergency,
		Reason:    reason,
	}
	if previous.Level != current.Level {
		plan, err := audio.CrossfadeSchedule(previous, current, audio.DefaultCrossfadeDuration, audio.DefaultCrossfadeSteps)
		if err != nil {
			eb.logger.Warn().Err(err).Msg("failed to plan crossfade")
		} else {
			data.Crossfade = &plan
		}
	}
	eb.broadcast(EngineEvent{Type: EventQualityChanged, Data: data})
}

// RunMetrics broadcasts a metrics update every interval until ctx is done.
// Ticks with no subscribers are skipped.
func (eb *EventBroadcaster) RunMetrics(ctx context.Context, interval time.Duration) {
	if eb.source == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if eb.SubscriberCount() == 0 {
				continue
			}
			snap := eb.source.Snapshot()
			eb.broadcast(EngineEvent{Type: EventMetricsUpdate, Data: MetricsData{
				Quality:  snap.Configuration.Level,
				Scaler:   snap.ScalerMetrics,
				Routing:  snap.RoutingMetrics,
				Progress: snap.Progress,
			}})
		}
	}
}

// Close drops every subscriber
func (eb *EventBroadcaster) Close() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	for id, sub := range eb.subscribers {
		delete(eb.subscribers, id)
		close(sub.queue)
	}
}

// broadcast queues an event for all subscribers, dropping it for any whose queue is full
func (eb *EventBroadcaster) broadcast(event EngineEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for connectionID, sub := range eb.subscribers {
		select {
		case sub.queue <- event:
		default:
			eb.dropped.Add(1)
			eb.logger.Debug().Str("connectionID", connectionID).Str("type", string(event.Type)).Msg("subscriber queue full, event dropped")
		}
	}
}

func (eb *EventBroadcaster) writeLoop(connectionID string, sub *eventSubscriber) {
	for event := range sub.queue {
		if !eb.sendToSubscriber(sub, event) {
			eb.removeFailed(connectionID, sub)
			// drain so the queue can be collected
			for range sub.queue {
			}
			return
		}
	}
}

func (eb *EventBroadcaster) removeFailed(connectionID string, sub *eventSubscriber) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	if current, ok := eb.subscribers[connectionID]; ok && current == sub {
		delete(eb.subscribers, connectionID)
		close(sub.queue)
		eb.logger.Warn().Str("connectionID", connectionID).Msg("removed failed engine events subscriber")
	}
}

// sendToSubscriber sends an event to a specific subscriber
func (eb *EventBroadcaster) sendToSubscriber(sub *eventSubscriber, event EngineEvent) bool {
	ctx, cancel := context.WithTimeout(sub.ctx, writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, sub.conn, event); err != nil {
		sub.logger.Warn().Err(err).Msg("failed to send engine event to subscriber")
		return false
	}
	return true
}
