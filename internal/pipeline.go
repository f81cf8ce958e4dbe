package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/saurav-co-de/chart/internal/chaterr"
	"github.com/saurav-co-de/chart/internal/geo"
	"github.com/saurav-co-de/chart/internal/message"
	"github.com/saurav-co-de/chart/internal/session"
	"github.com/saurav-co-de/chart/internal/storage"
)

// Profiles looks up the stored profile of a user.
type Profiles interface {
	GetUser(ctx context.Context, id string) (*storage.User, error)
}

// HistoryPayload is carried by room_messages.
type HistoryPayload struct {
	Messages []message.Message `json:"messages"`
}

// MessagePayload is carried by new_message.
type MessagePayload struct {
	Message message.Message `json:"message"`
}

// SignalKind is a transient typing indicator.
type SignalKind int

const (
	SignalTyping SignalKind = iota
	SignalStopTyping
)

// Pipeline validates, persists and fans out room messages. Within one room
// the order members receive messages is the order the store accepted them.
type Pipeline struct {
	registry *session.Registry
	store    message.Store
	profiles Profiles
	history  int

	mutex      sync.Mutex
	sequencers map[geo.RoomID]*sequencer
}

// sequencer serializes persist and enqueue for one room. It is dropped once
// nobody holds it.
type sequencer struct {
	sync.Mutex
	refs int
}

func NewPipeline(registry *session.Registry, store message.Store, profiles Profiles, history int) *Pipeline {
	if history <= 0 {
		history = message.DefaultHistory
	}
	return &Pipeline{
		registry:   registry,
		store:      store,
		profiles:   profiles,
		history:    message.ClampLimit(history),
		sequencers: make(map[geo.RoomID]*sequencer),
	}
}

// Send persists body as a message from the session's user to room and
// delivers it to every member of room, the sender included.
func (p *Pipeline) Send(ctx context.Context, handle session.Handle, body string, room geo.RoomID) (message.Message, error) {
	body, err := message.NormalizeBody(body)
	if err != nil {
		return message.Message{}, err
	}
	room, err = geo.ParseRoomID(string(room))
	if err != nil {
		return message.Message{}, err
	}
	joined, err := p.registry.IsMember(handle, room)
	if err != nil {
		return message.Message{}, err
	}
	if !joined {
		return message.Message{}, fmt.Errorf("%w: %s", chaterr.ErrNotJoined, room)
	}
	sender, err := p.registry.Session(handle)
	if err != nil {
		return message.Message{}, err
	}
	draft, err := p.draft(ctx, sender.Identity().UserID, body, room)
	if err != nil {
		return message.Message{}, err
	}

	seq := p.acquire(room)
	defer p.release(room, seq)

	stored, err := p.store.Insert(ctx, draft)
	if err != nil {
		return message.Message{}, fmt.Errorf("persist message: %w", err)
	}
	messagesPersisted.Inc()
	sender.Touch(stored.CreatedAt)

	members := p.registry.MembersOf(room)
	delivered := session.Broadcast(members, session.Event{
		Type:    session.EventNewMessage,
		Room:    room,
		Payload: MessagePayload{Message: stored},
	}, "")
	if dropped := len(members) - delivered; dropped > 0 {
		deliveriesDropped.Add(float64(dropped))
		log.Warn().Str("room", string(room)).Int("dropped", dropped).Msg("new_message not delivered to every member")
	}
	return stored, nil
}

// Post persists a message on behalf of userID without live fan-out. Live
// members pick it up with their next history read. Users may only post to
// the room their stored location resolves to.
func (p *Pipeline) Post(ctx context.Context, userID, body string, room geo.RoomID) (message.Message, error) {
	body, err := message.NormalizeBody(body)
	if err != nil {
		return message.Message{}, err
	}
	room, err = geo.ParseRoomID(string(room))
	if err != nil {
		return message.Message{}, err
	}
	draft, err := p.draft(ctx, userID, body, room)
	if err != nil {
		return message.Message{}, err
	}
	if home := geo.MustResolve(draft.Location); home != room {
		return message.Message{}, fmt.Errorf("%w: %s is outside %s", chaterr.ErrForbidden, room, home)
	}
	seq := p.acquire(room)
	defer p.release(room, seq)
	stored, err := p.store.Insert(ctx, draft)
	if err != nil {
		return message.Message{}, fmt.Errorf("persist message: %w", err)
	}
	messagesPersisted.Inc()
	return stored, nil
}

// Join moves the session into room and hands it the room's recent history.
// A message sent concurrently is seen either in the history or live.
func (p *Pipeline) Join(ctx context.Context, handle session.Handle, room geo.RoomID) ([]message.Message, error) {
	room, err := geo.ParseRoomID(string(room))
	if err != nil {
		return nil, err
	}
	seq := p.acquire(room)
	defer p.release(room, seq)

	if _, err := p.registry.Join(handle, room); err != nil {
		return nil, err
	}
	history, err := p.store.Recent(ctx, room, p.history)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if history == nil {
		history = []message.Message{}
	}
	joiner, err := p.registry.Session(handle)
	if err != nil {
		return nil, err
	}
	if !joiner.Deliver(session.Event{Type: session.EventRoomMessages, Room: room, Payload: HistoryPayload{Messages: history}}) {
		deliveriesDropped.Inc()
	}
	return history, nil
}

// Leave takes the session out of room. A leave naming a room the session
// is not in is ignored; an empty room leaves whatever room it is in.
func (p *Pipeline) Leave(handle session.Handle, room geo.RoomID) error {
	if room == "" {
		return p.registry.Leave(handle)
	}
	_, err := p.registry.LeaveRoom(handle, room)
	return err
}

// Signal relays a typing indicator to the other members of room. The
// session must be joined to room.
func (p *Pipeline) Signal(handle session.Handle, room geo.RoomID, kind SignalKind) error {
	room, err := geo.ParseRoomID(string(room))
	if err != nil {
		return err
	}
	joined, err := p.registry.IsMember(handle, room)
	if err != nil {
		return err
	}
	if !joined {
		return fmt.Errorf("%w: %s", chaterr.ErrNotJoined, room)
	}
	actor, err := p.registry.Session(handle)
	if err != nil {
		return err
	}
	eventType := session.EventUserTyping
	if kind == SignalStopTyping {
		eventType = session.EventUserStopTyping
	}
	actor.Touch(p.registry.Now())
	session.Broadcast(p.registry.MembersOf(room), session.Event{
		Type:    eventType,
		Room:    room,
		Payload: session.TypingPayload{Username: actor.Identity().Username},
	}, handle)
	return nil
}

// History returns up to limit visible messages of room, oldest first.
func (p *Pipeline) History(ctx context.Context, room geo.RoomID, limit int) ([]message.Message, error) {
	room, err := geo.ParseRoomID(string(room))
	if err != nil {
		return nil, err
	}
	messages, err := p.store.Recent(ctx, room, message.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []message.Message{}
	}
	return messages, nil
}

// Delete removes a message on behalf of its author.
func (p *Pipeline) Delete(ctx context.Context, id, requesterID string) error {
	return p.store.Delete(ctx, id, requesterID)
}

// draft builds the message to persist. The author's name and location are
// captured now and never re-derived.
func (p *Pipeline) draft(ctx context.Context, userID, body string, room geo.RoomID) (message.Message, error) {
	user, err := p.profiles.GetUser(ctx, userID)
	if err != nil {
		return message.Message{}, fmt.Errorf("load author: %w", err)
	}
	if user == nil {
		return message.Message{}, fmt.Errorf("%w: user not found", chaterr.ErrAuthenticationFailed)
	}
	if user.Location == nil {
		return message.Message{}, chaterr.ErrLocationNotSet
	}
	return message.Message{
		AuthorID:   user.ID,
		AuthorName: user.Username,
		Body:       body,
		RoomID:     room,
		Location:   *user.Location,
	}, nil
}

func (p *Pipeline) acquire(room geo.RoomID) *sequencer {
	p.mutex.Lock()
	seq, ok := p.sequencers[room]
	if !ok {
		seq = &sequencer{}
		p.sequencers[room] = seq
	}
	seq.refs++
	p.mutex.Unlock()
	seq.Lock()
	return seq
}

func (p *Pipeline) release(room geo.RoomID, seq *sequencer) {
	seq.Unlock()
	p.mutex.Lock()
	seq.refs--
	if seq.refs == 0 {
		delete(p.sequencers, room)
	}
	p.mutex.Unlock()
}
