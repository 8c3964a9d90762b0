package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-opschat/internal/chat"
	"github.com/npezzotti/go-opschat/internal/errs"
	"github.com/npezzotti/go-opschat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 32 * 1024
	opTimeout      = 15 * time.Second
)

// ChatService is the subset of chat.Service reachable from a live session.
type ChatService interface {
	AuthorizeScope(ctx context.Context, caller types.Identity, scope chat.Scope) error
	RoomsFor(ctx context.Context, caller types.Identity) ([]string, error)
	SendMessage(ctx context.Context, caller types.Identity, params chat.SendMessageParams) (types.Message, error)
	EditMessage(ctx context.Context, caller types.Identity, id, content string) (types.Message, error)
	DeleteMessage(ctx context.Context, caller types.Identity, id string) (chat.DeletedMessage, error)
	Typing(ctx context.Context, caller types.Identity, scope chat.Scope, sessionId string, typing bool) error
}

type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	svc        ChatService
	log        *log.Logger
	identity   types.Identity
	send       chan *ServerMessage
	rooms      map[string]struct{}
	roomsLock  sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewClient creates a session. A zero identity makes an anonymous session
// that may connect but fails every gated request.
func NewClient(identity types.Identity, conn *websocket.Conn, cs *ChatServer, svc ChatService, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		svc:        svc,
		log:        l,
		identity:   identity,
		send:       make(chan *ServerMessage, 256),
		rooms:      make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) authenticated() bool {
	return c.identity.UserId != ""
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read processes the session's requests one at a time until the connection
// closes. Each request runs with a context that is not tied to the
// connection, so an accepted write completes and fans out after a
// disconnect.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.queueMessage(ErrInvalidMessage(0))
			continue
		}
		msg.Timestamp = Now()

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		c.handle(ctx, &msg)
		cancel()
	}
}

func (c *Client) handle(ctx context.Context, msg *ClientMessage) {
	switch msg.Event {
	case EventJoinChannel, EventJoinConversation:
		scope, ok := c.decodeScope(msg, msg.Event == EventJoinChannel)
		if !ok {
			return
		}
		if err := c.svc.AuthorizeScope(ctx, c.identity, scope); err != nil {
			c.queueMessage(ErrorMessage(msg.Id, err, scope))
			return
		}
		c.chatServer.joinRoom(c, scope.Room())
		c.ack(msg.Id, RoomAck{Room: scope.Room()})

	case EventLeaveChannel, EventLeaveConversation:
		scope, ok := c.decodeScope(msg, msg.Event == EventLeaveChannel)
		if !ok {
			return
		}
		c.chatServer.leaveRoom(c, scope.Room())
		c.ack(msg.Id, RoomAck{Room: scope.Room()})

	case EventSendMessage, EventSendConversationMessage:
		var params chat.SendMessageParams
		if err := json.Unmarshal(msg.Data, &params); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		if msg.Event == EventSendMessage {
			params.ConversationId = ""
		} else {
			params.ChannelId = ""
		}

		sent, err := c.svc.SendMessage(ctx, c.identity, params)
		if err != nil {
			c.fail(msg.Id, err, params.Scope)
			return
		}
		c.ack(msg.Id, sent)

	case EventUpdateMessage:
		var ref MessageRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}

		updated, err := c.svc.EditMessage(ctx, c.identity, ref.MessageId, ref.Content)
		if err != nil {
			c.fail(msg.Id, err, chat.Scope{})
			return
		}
		c.ack(msg.Id, updated)

	case EventDeleteMessage:
		var ref MessageRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}

		deleted, err := c.svc.DeleteMessage(ctx, c.identity, ref.MessageId)
		if err != nil {
			c.fail(msg.Id, err, chat.Scope{})
			return
		}
		c.ack(msg.Id, deleted)

	case EventTyping, EventStopTyping:
		var scope chat.Scope
		if err := json.Unmarshal(msg.Data, &scope); err != nil {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}

		if err := c.svc.Typing(ctx, c.identity, scope, c.id, msg.Event == EventTyping); err != nil {
			c.fail(msg.Id, err, scope)
		}

	default:
		c.queueMessage(ErrorMessage(msg.Id, errs.Validation("unknown event %q", msg.Event), chat.Scope{}))
	}
}

// decodeScope reads a channel or conversation id from the request,
// ignoring the id of the other kind.
func (c *Client) decodeScope(msg *ClientMessage, channel bool) (chat.Scope, bool) {
	var scope chat.Scope
	if err := json.Unmarshal(msg.Data, &scope); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return chat.Scope{}, false
	}

	if channel {
		scope.ConversationId = ""
	} else {
		scope.ChannelId = ""
	}

	if scope.ChannelId == "" && scope.ConversationId == "" {
		c.queueMessage(ErrorMessage(msg.Id, errs.Validation("missing room id"), scope))
		return chat.Scope{}, false
	}
	return scope, true
}

func (c *Client) fail(id int, err error, scope chat.Scope) {
	if errs.KindOf(err) == errs.KindInternal {
		c.log.Printf("session %s: %v", c.id, err)
	}
	c.queueMessage(ErrorMessage(id, err, scope))
}

func (c *Client) ack(id int, result any) {
	if id <= 0 {
		return
	}

	msg, err := NewServerMessage(id, EventAck, result)
	if err != nil {
		c.log.Printf("session %s: encode ack: %v", c.id, err)
		return
	}
	c.queueMessage(msg)
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("session %s: send buffer full, dropping %q", c.id, msg.Event)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.chatServer.Unregister(c)
	c.stopClient()
}

func (c *Client) addRoom(name string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	c.rooms[name] = struct{}{}
}

func (c *Client) delRoom(name string) {
	c.roomsLock.Lock()
	defer c.roomsLock.Unlock()
	delete(c.rooms, name)
}

func (c *Client) hasRoom(name string) bool {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()
	_, ok := c.rooms[name]
	return ok
}

func (c *Client) roomNames() []string {
	c.roomsLock.RLock()
	defer c.roomsLock.RUnlock()

	names := make([]string, 0, len(c.rooms))
	for name := range c.rooms {
		names = append(names, name)
	}
	return names
}
