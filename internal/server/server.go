package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-opschat/internal/presence"
	"github.com/npezzotti/go-opschat/internal/pubsub"
	"github.com/npezzotti/go-opschat/internal/stats"
)

const drainPoll = 20 * time.Millisecond

type stopReq struct {
	ctx  context.Context
	done chan struct{}
}

// ChatServer tracks live sessions and the rooms they are subscribed to. It
// implements chat.Notifier: every operation is sent through the broker and
// applied to local sessions when the broker delivers it back, so multiple
// instances sharing a broker see the same fanout.
type ChatServer struct {
	log      *log.Logger
	stats    stats.StatsProvider
	presence *presence.Registry
	broker   pubsub.Broker

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	userClients map[string]map[*Client]struct{}
	rooms       map[string]*Room

	presenceChan chan presence.Event
	stop         chan stopReq
}

func NewChatServer(logger *log.Logger, broker pubsub.Broker, reg *presence.Registry, su stats.StatsProvider) (*ChatServer, error) {
	for _, m := range stats.Metrics {
		su.RegisterMetric(m)
	}

	cs := &ChatServer{
		log:          logger,
		stats:        su,
		presence:     reg,
		broker:       broker,
		clients:      make(map[*Client]struct{}),
		userClients:  make(map[string]map[*Client]struct{}),
		rooms:        make(map[string]*Room),
		presenceChan: make(chan presence.Event, 1024),
		stop:         make(chan stopReq),
	}

	reg.Subscribe(cs.onPresence)

	if err := broker.Subscribe(context.Background(), cs.apply); err != nil {
		return nil, err
	}

	return cs, nil
}

// Run relays presence transitions until Shutdown is called.
func (cs *ChatServer) Run() {
	for {
		select {
		case e := <-cs.presenceChan:
			cs.broadcastPresence(e)
		case req := <-cs.stop:
			cs.log.Println("closing live sessions")
			cs.mu.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.mu.RUnlock()

			cs.drain(req.ctx)
			close(req.done)
			return
		}
	}
}

// drain keeps relaying presence until every stopped session has
// unregistered or ctx expires.
func (cs *ChatServer) drain(ctx context.Context) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for cs.SessionCount() > 0 {
		select {
		case e := <-cs.presenceChan:
			cs.broadcastPresence(e)
		case <-ticker.C:
		case <-ctx.Done():
			cs.log.Printf("%d sessions still open at shutdown", cs.SessionCount())
			return
		}
	}

	for {
		select {
		case e := <-cs.presenceChan:
			cs.broadcastPresence(e)
		default:
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	req := stopReq{ctx: ctx, done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onPresence runs under the registry lock, so it never blocks. Events that
// do not fit in the queue are dropped and counted.
func (cs *ChatServer) onPresence(e presence.Event) {
	select {
	case cs.presenceChan <- e:
	default:
		cs.log.Printf("presence queue full, dropping %s event for %q", e.Kind, e.UserId)
		cs.stats.Incr(stats.NumPresenceDropped)
	}
}

func (cs *ChatServer) broadcastPresence(e presence.Event) {
	event := EventUserOffline
	if e.Kind == presence.Online {
		event = EventUserOnline
		cs.stats.Incr(stats.NumOnlineUsers)
	} else {
		cs.stats.Decr(stats.NumOnlineUsers)
	}

	cs.dispatch(pubsub.Envelope{Op: pubsub.OpBroadcast, Event: event}, PresenceChange{UserId: e.UserId})
}

func (cs *ChatServer) Publish(room, event string, payload any, skipSession string) {
	cs.dispatch(pubsub.Envelope{Op: pubsub.OpPublish, Room: room, Event: event, SkipSession: skipSession}, payload)
}

func (cs *ChatServer) NotifyUser(userId, event string, payload any) {
	cs.dispatch(pubsub.Envelope{Op: pubsub.OpNotifyUser, UserId: userId, Event: event}, payload)
}

func (cs *ChatServer) SubscribeUser(userId, room string) {
	cs.dispatch(pubsub.Envelope{Op: pubsub.OpSubscribe, UserId: userId, Room: room}, nil)
}

func (cs *ChatServer) UnsubscribeUser(userId, room string) {
	cs.dispatch(pubsub.Envelope{Op: pubsub.OpUnsubscribe, UserId: userId, Room: room}, nil)
}

func (cs *ChatServer) CloseRoom(room string) {
	cs.dispatch(pubsub.Envelope{Op: pubsub.OpCloseRoom, Room: room}, nil)
}

func (cs *ChatServer) dispatch(env pubsub.Envelope, payload any) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			cs.log.Printf("fanout: encode %q: %v", env.Event, err)
			return
		}
		env.Payload = data
	}

	if err := cs.broker.Publish(context.Background(), env); err != nil {
		cs.log.Printf("fanout: publish %s %q: %v", env.Op, env.Event, err)
	}
}

// apply executes a delivered envelope against local sessions.
func (cs *ChatServer) apply(env pubsub.Envelope) {
	switch env.Op {
	case pubsub.OpPublish:
		msg := cs.frame(env)
		cs.mu.RLock()
		defer cs.mu.RUnlock()
		if r, ok := cs.rooms[env.Room]; ok {
			for c := range r.clients {
				if c.id != env.SkipSession {
					cs.deliver(c, msg)
				}
			}
		}
	case pubsub.OpNotifyUser:
		msg := cs.frame(env)
		cs.mu.RLock()
		defer cs.mu.RUnlock()
		for c := range cs.userClients[env.UserId] {
			cs.deliver(c, msg)
		}
	case pubsub.OpBroadcast:
		msg := cs.frame(env)
		cs.mu.RLock()
		defer cs.mu.RUnlock()
		for _, sessions := range cs.userClients {
			for c := range sessions {
				if c.id != env.SkipSession {
					cs.deliver(c, msg)
				}
			}
		}
	case pubsub.OpSubscribe:
		cs.mu.Lock()
		defer cs.mu.Unlock()
		for c := range cs.userClients[env.UserId] {
			cs.joinRoomLocked(c, env.Room)
		}
	case pubsub.OpUnsubscribe:
		cs.mu.Lock()
		defer cs.mu.Unlock()
		for c := range cs.userClients[env.UserId] {
			cs.leaveRoomLocked(c, env.Room)
		}
	case pubsub.OpCloseRoom:
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if r, ok := cs.rooms[env.Room]; ok {
			for c := range r.clients {
				c.delRoom(env.Room)
			}
			delete(cs.rooms, env.Room)
		}
	default:
		cs.log.Printf("fanout: unknown op %q", env.Op)
	}
}

func (cs *ChatServer) frame(env pubsub.Envelope) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       env.Event,
		Data:        env.Payload,
	}
}

func (cs *ChatServer) deliver(c *Client, msg *ServerMessage) {
	if !c.queueMessage(msg) {
		cs.stats.Incr(stats.NumFanoutDropped)
	}
}

// Register adds a session. Authenticated sessions are subscribed to their
// personal room and every channel and conversation they belong to, marked
// present, and sent the current online users.
func (cs *ChatServer) Register(ctx context.Context, c *Client) error {
	cs.mu.Lock()
	cs.clients[c] = struct{}{}
	if c.authenticated() {
		sessions, ok := cs.userClients[c.identity.UserId]
		if !ok {
			sessions = make(map[*Client]struct{})
			cs.userClients[c.identity.UserId] = sessions
		}
		sessions[c] = struct{}{}
	}
	cs.mu.Unlock()

	cs.stats.Incr(stats.NumActiveSessions)

	if !c.authenticated() {
		cs.log.Printf("anonymous session %s connected", c.id)
		return nil
	}

	rooms, err := c.svc.RoomsFor(ctx, c.identity)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	for _, room := range rooms {
		cs.joinRoomLocked(c, room)
	}
	cs.mu.Unlock()

	cs.presence.Register(c.id, c.identity.UserId)

	snapshot, err := NewServerMessage(0, EventOnlineUsersList, OnlineUsers{UserIds: cs.presence.OnlineUsers()})
	if err != nil {
		return err
	}
	c.queueMessage(snapshot)

	cs.log.Printf("session %s connected for %q with %d rooms", c.id, c.identity.UserId, len(rooms))
	return nil
}

// Unregister removes a session from every room and from presence. It is
// safe to call more than once.
func (cs *ChatServer) Unregister(c *Client) {
	cs.mu.Lock()
	if _, ok := cs.clients[c]; !ok {
		cs.mu.Unlock()
		return
	}
	delete(cs.clients, c)

	if c.authenticated() {
		if sessions, ok := cs.userClients[c.identity.UserId]; ok {
			delete(sessions, c)
			if len(sessions) == 0 {
				delete(cs.userClients, c.identity.UserId)
			}
		}
	}

	for _, room := range c.roomNames() {
		cs.leaveRoomLocked(c, room)
	}
	cs.mu.Unlock()

	cs.stats.Decr(stats.NumActiveSessions)

	if c.authenticated() {
		cs.presence.Unregister(c.id, c.identity.UserId)
	}
	cs.log.Printf("session %s disconnected", c.id)
}

func (cs *ChatServer) joinRoom(c *Client, room string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.joinRoomLocked(c, room)
}

func (cs *ChatServer) leaveRoom(c *Client, room string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.leaveRoomLocked(c, room)
}

func (cs *ChatServer) joinRoomLocked(c *Client, name string) {
	if _, ok := cs.clients[c]; !ok {
		return
	}

	r, ok := cs.rooms[name]
	if !ok {
		r = newRoom()
		cs.rooms[name] = r
	}
	r.add(c)
	c.addRoom(name)
}

func (cs *ChatServer) leaveRoomLocked(c *Client, name string) {
	if r, ok := cs.rooms[name]; ok {
		r.remove(c)
		if r.isEmpty() {
			delete(cs.rooms, name)
		}
	}
	c.delRoom(name)
}

// RoomSize reports the number of local sessions subscribed to room.
func (cs *ChatServer) RoomSize(room string) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if r, ok := cs.rooms[room]; ok {
		return len(r.clients)
	}
	return 0
}

func (cs *ChatServer) SessionCount() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// OnlineUsers returns the users with a live session on this instance.
func (cs *ChatServer) OnlineUsers() []string {
	return cs.presence.OnlineUsers()
}
