package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/oem-proctor/internal/config"
	"github.com/stemsi/oem-proctor/internal/model"
	"github.com/stemsi/oem-proctor/internal/observability"
	ws "github.com/stemsi/oem-proctor/internal/websocket"
)

// Peer is a connected instructor that receives room broadcasts.
type Peer interface {
	// Send queues env without blocking. It reports false when the peer is gone or backed up.
	Send(env ws.Envelope) bool
}

// RelayService fans exam room events out to instructors. Delivery crosses server
// instances through Redis Pub/Sub and falls back to local rooms when publishing fails.
type RelayService struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[uuid.UUID]map[Peer]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRelayService creates a new RelayService. Call Run to receive cross-instance traffic.
func NewRelayService(rdb *redis.Client, cfg *config.Config, log zerolog.Logger) *RelayService {
	ttl := cfg.RelayDedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RelayService{
		rdb:   rdb,
		ttl:   ttl,
		log:   log.With().Str("component", "relay").Logger(),
		rooms: make(map[uuid.UUID]map[Peer]struct{}),
		ready: make(chan struct{}),
	}
}

// ─── Rooms ─────────────────────────────────────────────────────────

// Join adds p to the exam room. Joining twice is a no-op.
func (r *RelayService) Join(examID uuid.UUID, p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[examID]
	if !ok {
		room = make(map[Peer]struct{})
		r.rooms[examID] = room
	}
	room[p] = struct{}{}
}

// Leave removes p from every room.
func (r *RelayService) Leave(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for examID, room := range r.rooms {
		delete(room, p)
		if len(room) == 0 {
			delete(r.rooms, examID)
		}
	}
}

// RoomSize returns the number of local peers in the exam room.
func (r *RelayService) RoomSize(examID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[examID])
}

func (r *RelayService) deliver(examID uuid.UUID, env ws.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.rooms[examID] {
		if !p.Send(env) {
			r.log.Debug().Str("exam_id", examID.String()).Str("event", string(env.Event)).Msg("Peer backed up, frame dropped")
		}
	}
}

// ─── Dedupe ────────────────────────────────────────────────────────

// FirstSighting reports whether eventID has not been relayed within the dedupe TTL, and claims it.
func (r *RelayService) FirstSighting(ctx context.Context, eventID uuid.UUID) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, config.CacheKey.RelayedEventKey(eventID.String()), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	if !ok {
		observability.RelayDeliveries().WithLabelValues("duplicate").Inc()
	}
	return ok, nil
}

// ForgetEvent releases a claim taken by FirstSighting so a retry can deliver the event.
func (r *RelayService) ForgetEvent(ctx context.Context, eventID uuid.UUID) {
	if err := r.rdb.Del(ctx, config.CacheKey.RelayedEventKey(eventID.String())).Err(); err != nil {
		r.log.Warn().Err(err).Str("event_id", eventID.String()).Msg("Failed to release event claim")
	}
}

// ─── Active submissions ────────────────────────────────────────────

// Register records a live attempt and sends the refreshed list to the exam room.
func (r *RelayService) Register(ctx context.Context, sub model.ActiveSubmission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := config.CacheKey.ExamActiveSubmissionsKey(sub.ExamID.String())
	if err := r.rdb.HSet(ctx, key, sub.AttemptID.String(), raw).Err(); err != nil {
		return fmt.Errorf("register submission: %w", err)
	}

	subs, err := r.Active(ctx, sub.ExamID)
	if err != nil {
		return err
	}
	return r.Broadcast(ctx, sub.ExamID, ws.EventActiveSubmissions, ws.ActiveSubmissions{
		ExamID:      sub.ExamID,
		Submissions: subs,
	})
}

// Unregister drops a finished attempt from the active list.
func (r *RelayService) Unregister(ctx context.Context, examID, attemptID uuid.UUID) error {
	key := config.CacheKey.ExamActiveSubmissionsKey(examID.String())
	if err := r.rdb.HDel(ctx, key, attemptID.String()).Err(); err != nil {
		return fmt.Errorf("unregister submission: %w", err)
	}
	return nil
}

// Active lists the exam's live attempts in registration order.
func (r *RelayService) Active(ctx context.Context, examID uuid.UUID) ([]model.ActiveSubmission, error) {
	all, err := r.rdb.HGetAll(ctx, config.CacheKey.ExamActiveSubmissionsKey(examID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("list active submissions: %w", err)
	}

	subs := make([]model.ActiveSubmission, 0, len(all))
	for attemptID, raw := range all {
		var sub model.ActiveSubmission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			r.log.Error().Err(err).Str("attempt_id", attemptID).Msg("Discarding malformed registration")
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].RegisteredAt.Equal(subs[j].RegisteredAt) {
			return subs[i].RegisteredAt.Before(subs[j].RegisteredAt)
		}
		return subs[i].AttemptID.String() < subs[j].AttemptID.String()
	})
	return subs, nil
}

// UpdateCount raises the stored violation count of a registration. Unknown attempts are ignored.
func (r *RelayService) UpdateCount(ctx context.Context, examID, attemptID uuid.UUID, count int) error {
	key := config.CacheKey.ExamActiveSubmissionsKey(examID.String())
	raw, err := r.rdb.HGet(ctx, key, attemptID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registration: %w", err)
	}

	var sub model.ActiveSubmission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return fmt.Errorf("decode registration: %w", err)
	}
	if count <= sub.ViolationCount {
		return nil
	}
	sub.ViolationCount = count
	updated, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, key, attemptID.String(), updated).Err()
}

// ─── Fan-out ───────────────────────────────────────────────────────

// Broadcast sends event to every instructor in the exam room on all instances.
func (r *RelayService) Broadcast(ctx context.Context, examID uuid.UUID, event ws.Event, data interface{}) error {
	env, err := ws.Encode(event, data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	receivers, err := r.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), raw).Result()
	if err != nil || receivers == 0 {
		if err != nil {
			r.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Publish failed, delivering to local rooms")
		}
		observability.RelayDeliveries().WithLabelValues("local").Inc()
		r.deliver(examID, env)
		return nil
	}
	observability.RelayDeliveries().WithLabelValues("pubsub").Inc()
	return nil
}

// Ready is closed once Run has subscribed.
func (r *RelayService) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to every exam channel and delivers incoming frames to local rooms until ctx ends.
func (r *RelayService) Run(ctx context.Context) error {
	ps := r.rdb.PSubscribe(ctx, config.CacheKey.ExamMonitorPattern())
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe relay: %w", err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Info().Str("pattern", config.CacheKey.ExamMonitorPattern()).Msg("Relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleMessage(msg)
		}
	}
}

func (r *RelayService) handleMessage(msg *redis.Message) {
	examID, err := examFromChannel(msg.Channel)
	if err != nil {
		r.log.Error().Err(err).Str("channel", msg.Channel).Msg("Discarding message on unexpected channel")
		return
	}
	var env ws.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.log.Error().Err(err).Str("channel", msg.Channel).Msg("Discarding malformed relay frame")
		return
	}
	r.deliver(examID, env)
}

func examFromChannel(channel string) (uuid.UUID, error) {
	id := strings.TrimSuffix(strings.TrimPrefix(channel, "exam:"), ":monitor")
	return uuid.Parse(id)
}
