package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iconvo/relay/internal/chat"
	"github.com/iconvo/relay/internal/config"
	"github.com/iconvo/relay/internal/protocol"
)

// sweepInterval is how often expired rate-limit windows are reclaimed.
const sweepInterval = time.Minute

type inboundEvent struct {
	client *Client
	env    protocol.Envelope
}

// Hub owns every WebSocket client and runs the single event loop that all
// core state mutations execute on. Register/unregister requests, client
// events, and scheduled callbacks funnel through the same goroutine, so the
// chat core needs no locks; only snapshot I/O leaves the loop.
type Hub struct {
	cfg *config.Config

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundEvent
	tasks      chan func()

	presence    *chat.PresenceRegistry
	store       *chat.MessageStore
	coordinator *chat.RoomCoordinator
	router      *chat.MessageRouter

	clientCount int64

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub wires the hub and the chat core against the given store.
func NewHub(cfg *config.Config, store *chat.MessageStore) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client, 64),
		inbound:    make(chan inboundEvent, 256),
		tasks:      make(chan func(), 64),
		presence:   chat.NewPresenceRegistry(),
		store:      store,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.coordinator = chat.NewRoomCoordinator(cfg, h.presence, store, h)
	h.router = chat.NewMessageRouter(cfg, h.presence, store, h, h.schedule)
	return h
}

// Run processes events until Shutdown. One event runs to completion before
// the next starts; a panic in a handler is contained to that event so one
// connection's malformed traffic never takes down the loop.
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.safely(func() { h.unregisterClient(client) })

		case ev := <-h.inbound:
			h.safely(func() { h.dispatch(ev.client, ev.env) })

		case task := <-h.tasks:
			h.safely(task)

		case <-sweep.C:
			h.coordinator.JoinLimiter().Sweep()
			h.router.MessageLimiter().Sweep()
		}
	}
}

func (h *Hub) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in event handler: %v", r)
		}
	}()
	fn()
}

func (h *Hub) registerClient(client *Client) {
	if client == nil {
		log.Printf("Received nil client registration; skipping")
		return
	}

	h.mu.Lock()
	client.closed = false
	h.clients[client.id] = client
	h.mu.Unlock()
	atomic.AddInt64(&h.clientCount, 1)
	log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, atomic.LoadInt64(&h.clientCount))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	h.mu.Unlock()
	close(client.send)
	atomic.AddInt64(&h.clientCount, -1)

	// Purge every trace of the connection from the core.
	h.router.Teardown(client.id)
	h.coordinator.HandleDisconnect(client.id)
	log.Printf("Client %s from %s unregistered. Total clients: %d", client.id, client.addr, atomic.LoadInt64(&h.clientCount))
}

// dispatch decodes the envelope into its canonical request shape and routes
// it into the core. Decode failures are answered to the sender only.
func (h *Hub) dispatch(client *Client, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoin:
		req, err := protocol.DecodeJoin(env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventJoinError, err)
			return
		}
		h.coordinator.HandleJoin(client.id, req)

	case protocol.EventLeave:
		req, err := protocol.DecodeLeave(env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.CancelTyping(client.id)
		h.coordinator.HandleLeave(client.id, req.Room)

	case protocol.EventSend:
		req, err := protocol.DecodeSend(env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.HandleSend(client.id, client.userID, req)

	case protocol.EventTyping:
		req, err := protocol.DecodeTyping(env.Data)
		if err != nil {
			return
		}
		h.router.HandleTyping(client.id, req.Room, true)

	case protocol.EventStopTyping:
		req, err := protocol.DecodeTyping(env.Data)
		if err != nil {
			return
		}
		h.router.HandleTyping(client.id, req.Room, false)

	case protocol.EventAddReaction, protocol.EventRemoveReaction:
		req, err := protocol.DecodeAs[protocol.ReactionRequest](env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.HandleReaction(client.id, req, env.Event == protocol.EventAddReaction)

	case protocol.EventEditMessage:
		req, err := protocol.DecodeAs[protocol.EditRequest](env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.HandleEdit(client.id, client.userID, req)

	case protocol.EventDeleteMessage:
		req, err := protocol.DecodeAs[protocol.DeleteRequest](env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.HandleDelete(client.id, client.userID, req)

	case protocol.EventMarkAsRead:
		req, err := protocol.DecodeAs[protocol.MarkReadRequest](env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.MarkAsRead(client.id, req.Room)

	case protocol.EventGetHistory:
		req, err := protocol.DecodeAs[protocol.HistoryRequest](env.Data)
		if err != nil {
			h.decodeError(client, protocol.EventMessageError, err)
			return
		}
		h.router.HandleGetHistory(client.id, req)

	case protocol.EventGetUserCount:
		req, err := protocol.DecodeAs[protocol.UserCountRequest](env.Data)
		if err != nil {
			return
		}
		h.router.HandleGetUserCount(client.id, req.Room)

	case protocol.EventRestoreUsername:
		req, err := protocol.DecodeAs[protocol.RestoreUsernameRequest](env.Data)
		if err != nil {
			return
		}
		h.router.RestoreUsername(client.id, req.Username)

	case protocol.EventBackground, protocol.EventForeground:
		req, err := protocol.DecodeAs[protocol.PresenceStateRequest](env.Data)
		if err != nil {
			return
		}
		h.router.SetBackground(client.id, req.Room, env.Event == protocol.EventBackground, h.coordinator)

	default:
		log.Printf("Unknown event %q from client %s", env.Event, client.id)
	}
}

func (h *Hub) decodeError(client *Client, event string, err error) {
	log.Printf("Invalid %s payload from %s: %v", event, client.addr, err)
	h.SendTo(client.id, protocol.NewServerEvent(event, "Invalid request payload"))
}

// SendTo implements chat.Transport for a single connection.
func (h *Hub) SendTo(connID string, event protocol.ServerEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event.Event, err)
		return
	}
	h.mu.RLock()
	client := h.clients[connID]
	h.mu.RUnlock()
	if client != nil {
		h.safeSend(client, payload)
	}
}

// Broadcast implements chat.Transport for room fan-out. Membership is read
// at call time; a connection that vanished mid-broadcast just misses it.
func (h *Hub) Broadcast(room, excludeConnID string, event protocol.ServerEvent) {
	members := h.presence.Connections(room)
	if len(members) == 0 {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event.Event, err)
		return
	}
	for _, id := range members {
		if id == excludeConnID {
			continue
		}
		h.mu.RLock()
		client := h.clients[id]
		h.mu.RUnlock()
		if client != nil {
			h.safeSend(client, payload)
		}
	}
}

func (h *Hub) safeSend(client *Client, payload []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, exists := h.clients[client.id]; !exists || client.closed {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		// Full buffer: drop the frame. Delivery is best-effort and the
		// read pump will reap the connection if it is truly gone.
		return false
	}
}

// schedule satisfies chat.ScheduleFunc: fn runs on the event loop after d
// unless cancelled first.
func (h *Hub) schedule(d time.Duration, fn func()) func() {
	timer := time.AfterFunc(d, func() {
		select {
		case h.tasks <- fn:
		case <-h.ctx.Done():
		}
	})
	return func() { timer.Stop() }
}

// Do runs fn on the event loop and waits for it to finish, so HTTP handlers
// can read core state without racing the loop.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case h.tasks <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount reports the number of connected clients without touching the
// loop.
func (h *Hub) ClientCount() int64 {
	return atomic.LoadInt64(&h.clientCount)
}

// Presence exposes the registry for loop-confined reads via Do.
func (h *Hub) Presence() *chat.PresenceRegistry { return h.presence }

// Store exposes the message store for loop-confined reads via Do.
func (h *Hub) Store() *chat.MessageStore { return h.store }

// GetRegisterChan returns the channel used for registering new clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				log.Printf("Error closing client connection from %s: %v", client.addr, err)
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown stops the event loop and waits for the client pumps to finish,
// or gives up after timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
