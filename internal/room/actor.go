// Package room implements the per-room actor: a mailbox goroutine that
// serializes every mutation of one room's live state, publishes each
// mutation to the instance pubsub hub, and mirrors it onto the telemetry
// stream.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentjido/jido-messaging/internal/observability"
	"github.com/agentjido/jido-messaging/internal/pubsub"
	"github.com/agentjido/jido-messaging/internal/storage"
	"github.com/agentjido/jido-messaging/pkg/models"
)

var (
	// ErrStopped is returned when the actor has hibernated or shut down.
	ErrStopped = errors.New("room actor stopped")
	// ErrMessageNotFound is returned for operations on unknown message ids.
	ErrMessageNotFound = errors.New("message not in room history")
	// ErrNotThreadRoot is returned when a thread reply names a root that is
	// not an existing thread root.
	ErrNotThreadRoot = errors.New("message is not a thread root")
)

// Options bounds a room actor.
type Options struct {
	// HistoryCap limits the in-memory message list (newest first).
	HistoryCap int
	// TypingTimeout is the auto-expiry window for typing indicators.
	TypingTimeout time.Duration
	// HibernateAfter is the idle window after which the actor parks.
	HibernateAfter time.Duration
	// MailboxSize bounds the request queue.
	MailboxSize int
}

// DefaultOptions returns the room actor defaults.
func DefaultOptions() Options {
	return Options{
		HistoryCap:     100,
		TypingTimeout:  5 * time.Second,
		HibernateAfter: 5 * time.Minute,
		MailboxSize:    64,
	}
}

func (o Options) sanitized() Options {
	def := DefaultOptions()
	if o.HistoryCap <= 0 {
		o.HistoryCap = def.HistoryCap
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = def.TypingTimeout
	}
	if o.HibernateAfter <= 0 {
		o.HibernateAfter = def.HibernateAfter
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = def.MailboxSize
	}
	return o
}

// TypingState is one live typing indicator.
type TypingState struct {
	ParticipantID string
	ThreadRootID  string
	StartedAt     time.Time
}

type typingKey struct {
	participantID string
	threadRootID  string
}

type typingEntry struct {
	startedAt time.Time
	gen       uint64
}

type request struct {
	fn   func()
	done chan struct{}
}

// Actor owns one room's live state. All operations go through the mailbox
// and execute one at a time.
type Actor struct {
	roomID  string
	opts    Options
	hub     *pubsub.Hub
	store   storage.MessageStore
	emitter *observability.Emitter
	logger  *slog.Logger

	// onPark is invoked (outside the loop goroutine's locks, after the loop
	// exits) when the actor hibernates or stops.
	onPark func(*Actor)

	mailbox  chan request
	stop     chan struct{}
	stopOnce sync.Once

	// Loop-owned state. Only the run goroutine touches these.
	room         *models.Room
	messages     []*models.Message // newest first
	participants map[string]*models.Participant
	typing       map[typingKey]*typingEntry
	typingGen    uint64
}

// Start creates the actor, loads recent history through the storage
// contract, and launches the mailbox loop.
func Start(ctx context.Context, rm *models.Room, store storage.MessageStore, hub *pubsub.Hub, opts Options, emitter *observability.Emitter, logger *slog.Logger, onPark func(*Actor)) (*Actor, error) {
	opts = opts.sanitized()
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		roomID:       rm.ID,
		opts:         opts,
		hub:          hub,
		store:        store,
		emitter:      emitter,
		logger:       logger.With("component", "room", "room_id", rm.ID),
		onPark:       onPark,
		mailbox:      make(chan request, opts.MailboxSize),
		stop:         make(chan struct{}),
		room:         rm,
		participants: make(map[string]*models.Participant),
		typing:       make(map[typingKey]*typingEntry),
	}

	if store != nil {
		msgs, _, err := store.ListRoomMessages(ctx, rm.ID, opts.HistoryCap, 0)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		a.messages = msgs
	}

	go a.run()
	return a, nil
}

// RoomID returns the owning room id.
func (a *Actor) RoomID() string { return a.roomID }

func (a *Actor) run() {
	idle := time.NewTimer(a.opts.HibernateAfter)
	defer idle.Stop()

	for {
		select {
		case <-a.stop:
			a.drain()
			if a.onPark != nil {
				a.onPark(a)
			}
			return
		case req := <-a.mailbox:
			req.fn()
			close(req.done)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.opts.HibernateAfter)
		case <-idle.C:
			a.logger.Debug("room actor hibernating")
			a.halt()
		}
	}
}

// halt closes the stop channel exactly once.
func (a *Actor) halt() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// drain rejects queued requests after the loop has decided to exit.
func (a *Actor) drain() {
	for {
		select {
		case req := <-a.mailbox:
			close(req.done)
		default:
			return
		}
	}
}

// Stop parks the actor immediately. Idempotent.
func (a *Actor) Stop() {
	a.halt()
}

// do runs fn on the actor loop and waits for completion.
func (a *Actor) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case <-a.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case a.mailbox <- req:
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) publish(ev pubsub.Event) {
	if a.hub == nil {
		return
	}
	ev.RoomID = a.roomID
	a.hub.Publish(ev)
}

func (a *Actor) emit(name observability.EventName, correlationID string, data map[string]any) {
	if a.emitter == nil {
		return
	}
	a.emitter.Emit(observability.Event{
		Name:          name,
		RoomID:        a.roomID,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// AddMessage prepends the message to history, truncates to the cap, and
// publishes message_added.
func (a *Actor) AddMessage(ctx context.Context, msg *models.Message) error {
	return a.do(ctx, func() {
		a.messages = append([]*models.Message{msg}, a.messages...)
		if len(a.messages) > a.opts.HistoryCap {
			a.messages = a.messages[:a.opts.HistoryCap]
		}
		a.publish(pubsub.Event{
			Kind:    pubsub.MessageAdded,
			Message: msg.Clone(),
		})
	})
}

// AddParticipant registers the participant and publishes the presence
// transition.
func (a *Actor) AddParticipant(ctx context.Context, p *models.Participant) error {
	return a.do(ctx, func() {
		if _, ok := a.participants[p.ID]; ok {
			return
		}
		a.participants[p.ID] = p
		a.publish(pubsub.Event{Kind: pubsub.ParticipantJoined, ParticipantID: p.ID})
	})
}

// RemoveParticipant drops the participant and publishes the transition.
func (a *Actor) RemoveParticipant(ctx context.Context, participantID string) error {
	return a.do(ctx, func() {
		if _, ok := a.participants[participantID]; !ok {
			return
		}
		delete(a.participants, participantID)
		a.publish(pubsub.Event{Kind: pubsub.ParticipantLeft, ParticipantID: participantID})
	})
}

// SetPresence updates a participant's presence and publishes the change.
func (a *Actor) SetPresence(ctx context.Context, participantID string, presence models.Presence) error {
	return a.do(ctx, func() {
		p, ok := a.participants[participantID]
		if !ok || p.Presence == presence {
			return
		}
		p.Presence = presence
		a.publish(pubsub.Event{
			Kind:          pubsub.PresenceChanged,
			ParticipantID: participantID,
			Data:          map[string]any{"presence": string(presence)},
		})
		a.emit(observability.EventParticipantPresenceChanged, "", map[string]any{
			"participant_id": participantID,
			"presence":       string(presence),
		})
	})
}

// Participants returns a snapshot of the current participants.
func (a *Actor) Participants(ctx context.Context) ([]*models.Participant, error) {
	var out []*models.Participant
	err := a.do(ctx, func() {
		for _, p := range a.participants {
			cp := *p
			out = append(out, &cp)
		}
	})
	return out, err
}

// AddReaction records a reaction. Idempotent: the second add of the same
// {message, participant, reaction} triple reports added=false and publishes
// nothing.
func (a *Actor) AddReaction(ctx context.Context, messageID, participantID, reaction string) (added bool, err error) {
	doErr := a.do(ctx, func() {
		msg := a.find(messageID)
		if msg == nil {
			err = ErrMessageNotFound
			return
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]map[string]bool)
		}
		set := msg.Reactions[reaction]
		if set == nil {
			set = make(map[string]bool)
			msg.Reactions[reaction] = set
		}
		if set[participantID] {
			return
		}
		set[participantID] = true
		msg.UpdatedAt = time.Now()
		added = true
		a.persist(msg)
		a.publish(pubsub.Event{
			Kind:          pubsub.ReactionAdded,
			Message:       msg.Clone(),
			ParticipantID: participantID,
			Reaction:      reaction,
		})
		a.emit(observability.EventMessageReactionAdded, messageID, map[string]any{
			"participant_id": participantID,
			"reaction":       reaction,
		})
	})
	if doErr != nil {
		return false, doErr
	}
	return added, err
}

// RemoveReaction removes a participant's reaction. Removing the last
// participant for a reaction deletes the reaction key entirely.
func (a *Actor) RemoveReaction(ctx context.Context, messageID, participantID, reaction string) (removed bool, err error) {
	doErr := a.do(ctx, func() {
		msg := a.find(messageID)
		if msg == nil {
			err = ErrMessageNotFound
			return
		}
		set := msg.Reactions[reaction]
		if set == nil || !set[participantID] {
			return
		}
		delete(set, participantID)
		if len(set) == 0 {
			delete(msg.Reactions, reaction)
		}
		msg.UpdatedAt = time.Now()
		removed = true
		a.persist(msg)
		a.publish(pubsub.Event{
			Kind:          pubsub.ReactionRemoved,
			Message:       msg.Clone(),
			ParticipantID: participantID,
			Reaction:      reaction,
		})
		a.emit(observability.EventMessageReactionRemoved, messageID, map[string]any{
			"participant_id": participantID,
			"reaction":       reaction,
		})
	})
	if doErr != nil {
		return false, doErr
	}
	return removed, err
}

// MarkDelivered records a delivery receipt for the participant. Receipts
// only advance; repeat calls are no-ops. When every non-sender participant
// has a delivery receipt the message status advances to delivered.
func (a *Actor) MarkDelivered(ctx context.Context, messageID, participantID string) error {
	return a.receipt(ctx, messageID, participantID, false)
}

// MarkRead records a read receipt, which implies delivered. When every
// non-sender participant has read, the status advances to read.
func (a *Actor) MarkRead(ctx context.Context, messageID, participantID string) error {
	return a.receipt(ctx, messageID, participantID, true)
}

func (a *Actor) receipt(ctx context.Context, messageID, participantID string, read bool) error {
	var opErr error
	doErr := a.do(ctx, func() {
		msg := a.find(messageID)
		if msg == nil {
			opErr = ErrMessageNotFound
			return
		}
		if msg.Receipts == nil {
			msg.Receipts = make(map[string]*models.Receipt)
		}
		rec := msg.Receipts[participantID]
		if rec == nil {
			rec = &models.Receipt{}
			msg.Receipts[participantID] = rec
		}

		now := time.Now()
		changed := false
		if rec.DeliveredAt.IsZero() {
			rec.DeliveredAt = now
			changed = true
		}
		if read && rec.ReadAt.IsZero() {
			rec.ReadAt = now
			changed = true
		}
		if !changed {
			return
		}

		a.advanceStatus(msg)
		msg.UpdatedAt = now
		a.persist(msg)
		a.publish(pubsub.Event{
			Kind:          pubsub.ReceiptUpdated,
			Message:       msg.Clone(),
			ParticipantID: participantID,
			Data:          map[string]any{"read": read},
		})
		name := observability.EventMessageDelivered
		if read {
			name = observability.EventMessageRead
		}
		a.emit(name, messageID, map[string]any{
			"participant_id": participantID,
			"status":         string(msg.Status),
		})
	})
	if doErr != nil {
		return doErr
	}
	return opErr
}

// advanceStatus lifts the aggregate message status once every non-sender
// participant has delivered (or read) the message. Status never regresses.
func (a *Actor) advanceStatus(msg *models.Message) {
	others := 0
	delivered := 0
	read := 0
	for id := range a.participants {
		if id == msg.SenderID {
			continue
		}
		others++
		rec := msg.Receipts[id]
		if rec == nil {
			continue
		}
		if !rec.DeliveredAt.IsZero() {
			delivered++
		}
		if !rec.ReadAt.IsZero() {
			read++
		}
	}
	if others == 0 {
		return
	}
	if read == others {
		msg.Status = msg.Status.Advance(models.StatusRead)
	} else if delivered == others {
		msg.Status = msg.Status.Advance(models.StatusDelivered)
	}
}

// SetTyping starts or stops a typing indicator. Started indicators
// auto-expire after the typing timeout and emit typing_stopped when reaped.
func (a *Actor) SetTyping(ctx context.Context, participantID string, typing bool, threadRootID string) error {
	return a.do(ctx, func() {
		key := typingKey{participantID: participantID, threadRootID: threadRootID}
		if !typing {
			if _, ok := a.typing[key]; !ok {
				return
			}
			delete(a.typing, key)
			a.publishTyping(pubsub.TypingStopped, key)
			return
		}

		a.typingGen++
		gen := a.typingGen
		_, already := a.typing[key]
		a.typing[key] = &typingEntry{startedAt: time.Now(), gen: gen}
		if !already {
			a.publishTyping(pubsub.TypingStarted, key)
		}
		time.AfterFunc(a.opts.TypingTimeout, func() {
			a.expireTyping(key, gen)
		})
	})
}

// expireTyping reaps a typing entry if it has not been refreshed since the
// timer was armed. Runs off-loop, so it goes through the mailbox.
func (a *Actor) expireTyping(key typingKey, gen uint64) {
	_ = a.do(context.Background(), func() {
		e, ok := a.typing[key]
		if !ok || e.gen != gen {
			return
		}
		delete(a.typing, key)
		a.publishTyping(pubsub.TypingStopped, key)
	})
}

func (a *Actor) publishTyping(kind pubsub.EventKind, key typingKey) {
	a.publish(pubsub.Event{
		Kind:          kind,
		ParticipantID: key.participantID,
		ThreadRootID:  key.threadRootID,
	})
	a.emit(observability.EventParticipantTyping, "", map[string]any{
		"participant_id": key.participantID,
		"typing":         kind == pubsub.TypingStarted,
		"thread_root_id": key.threadRootID,
	})
}

// Typing returns a snapshot of live typing indicators.
func (a *Actor) Typing(ctx context.Context) ([]TypingState, error) {
	var out []TypingState
	err := a.do(ctx, func() {
		for k, e := range a.typing {
			out = append(out, TypingState{
				ParticipantID: k.participantID,
				ThreadRootID:  k.threadRootID,
				StartedAt:     e.startedAt,
			})
		}
	})
	return out, err
}

// CreateThread marks the root message as a thread root. Idempotent.
func (a *Actor) CreateThread(ctx context.Context, rootID string) error {
	var opErr error
	doErr := a.do(ctx, func() {
		msg := a.find(rootID)
		if msg == nil {
			opErr = ErrMessageNotFound
			return
		}
		if msg.ThreadRootID == rootID {
			return
		}
		msg.ThreadRootID = rootID
		msg.UpdatedAt = time.Now()
		a.persist(msg)
		a.publish(pubsub.Event{Kind: pubsub.ThreadCreated, ThreadRootID: rootID, Message: msg.Clone()})
		a.emit(observability.EventThreadCreated, rootID, nil)
	})
	if doErr != nil {
		return doErr
	}
	return opErr
}

// AddThreadReply appends a reply into an existing thread. The root must
// already be a thread root.
func (a *Actor) AddThreadReply(ctx context.Context, rootID string, reply *models.Message) error {
	var opErr error
	doErr := a.do(ctx, func() {
		root := a.find(rootID)
		if root == nil {
			opErr = ErrMessageNotFound
			return
		}
		if root.ThreadRootID != rootID {
			opErr = ErrNotThreadRoot
			return
		}
		reply.ThreadRootID = rootID
		a.messages = append([]*models.Message{reply}, a.messages...)
		if len(a.messages) > a.opts.HistoryCap {
			a.messages = a.messages[:a.opts.HistoryCap]
		}
		a.publish(pubsub.Event{Kind: pubsub.ThreadReplyAdded, ThreadRootID: rootID, Message: reply.Clone()})
		a.emit(observability.EventThreadReplyAdded, reply.ID, map[string]any{"thread_root_id": rootID})
	})
	if doErr != nil {
		return doErr
	}
	return opErr
}

// GetMessages returns a latest-first snapshot of room history.
func (a *Actor) GetMessages(ctx context.Context, limit int) ([]*models.Message, error) {
	var out []*models.Message
	err := a.do(ctx, func() {
		n := len(a.messages)
		if limit > 0 && limit < n {
			n = limit
		}
		out = make([]*models.Message, 0, n)
		for _, m := range a.messages[:n] {
			out = append(out, m.Clone())
		}
	})
	return out, err
}

// GetThreadMessages returns a latest-first snapshot of one thread, root
// included.
func (a *Actor) GetThreadMessages(ctx context.Context, rootID string, limit int) ([]*models.Message, error) {
	var out []*models.Message
	err := a.do(ctx, func() {
		for _, m := range a.messages {
			if m.ThreadRootID != rootID {
				continue
			}
			out = append(out, m.Clone())
			if limit > 0 && len(out) >= limit {
				return
			}
		}
	})
	return out, err
}

func (a *Actor) find(messageID string) *models.Message {
	for _, m := range a.messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// persist writes the message back through the storage contract so state
// survives hibernation. Failures are logged, never fatal to the mutation.
func (a *Actor) persist(msg *models.Message) {
	if a.store == nil {
		return
	}
	if err := a.store.SaveMessage(context.Background(), msg); err != nil {
		a.logger.Warn("persisting room message failed", "message_id", msg.ID, "error", err)
	}
}
