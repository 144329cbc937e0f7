package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/hexrelay/internal/relay"
)

// roomBroadcast is an encoded event bound for every subscriber of one room.
type roomBroadcast struct {
	room     string
	payload  []byte
	terminal bool
}

// Hub is the room registry and broadcast router for live subscribers.
// Membership changes and deliveries are serialized through Run; the mutex
// protects snapshots taken from other goroutines.
type Hub struct {
	rooms      map[string]map[*Client]struct{}
	clients    map[*Client]struct{}
	broadcast  chan roomBroadcast
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	log        *zap.Logger
	metrics    *Metrics
}

// NewHub creates a hub. Call Run in its own goroutine before registering clients.
func NewHub(log *zap.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan roomBroadcast),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log,
		metrics:    metrics,
	}
}

// Register adds c to its room and starts its pumps. Once Register returns the
// client receives every later Publish for the room. It reports false when the
// hub is shutting down.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes c. Calling it for an unknown client is a no-op.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Publish delivers ev to the current subscribers of room. It implements
// relay.Publisher; events published after shutdown are dropped.
func (h *Hub) Publish(room string, ev relay.Event) {
	payload, err := encodeEvent(ev)
	if err != nil {
		h.log.Error("encode event failed", zap.String("room", room), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- roomBroadcast{room: room, payload: payload, terminal: ev.Terminal()}:
	case <-h.ctx.Done():
		h.log.Debug("publish after hub shutdown dropped", zap.String("room", room), zap.Stringer("kind", ev.Kind))
	}
}

// RoomSize returns the number of live subscribers in room.
func (h *Hub) RoomSize(room string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of live subscribers across all rooms.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// safeSend queues message for client without blocking. It returns false when
// the client is gone or its buffer is full.
func (h *Hub) safeSend(client *Client, message []byte) bool {
	// Send channels are closed only after detachLocked under the write lock, so
	// holding the read lock here rules out a send on a closed channel.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, exists := h.clients[client]; !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run is the hub event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; ok {
		h.mutex.Unlock()
		return
	}
	client.closed = false
	h.clients[client] = struct{}{}
	members, ok := h.rooms[client.room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[client.room] = members
	}
	members[client] = struct{}{}
	clientCount, roomCount, roomSize := len(h.clients), len(h.rooms), len(members)
	h.mutex.Unlock()

	h.metrics.setMembership(clientCount, roomCount)
	h.log.Debug("client joined room",
		zap.String("room", client.room),
		zap.String("remote_addr", client.addr),
		zap.Int("room_size", roomSize),
		zap.Int("total_clients", clientCount),
	)

	if client.conn == nil {
		return
	}
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

// detachLocked drops client from the registry and returns its send channel
// for closing. The caller holds h.mutex.
func (h *Hub) detachLocked(client *Client) (chan []byte, bool) {
	if _, ok := h.clients[client]; !ok {
		return nil, false
	}
	delete(h.clients, client)
	if members, ok := h.rooms[client.room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, client.room)
		}
	}
	client.closed = true
	return client.send, true
}

func (h *Hub) removeClient(client *Client) {
	h.mutex.Lock()
	ch, ok := h.detachLocked(client)
	clientCount, roomCount := len(h.clients), len(h.rooms)
	h.mutex.Unlock()
	if !ok {
		return
	}

	close(ch)
	h.metrics.setMembership(clientCount, roomCount)
	h.log.Debug("client left room",
		zap.String("room", client.room),
		zap.String("remote_addr", client.addr),
		zap.Int("total_clients", clientCount),
	)
}

func (h *Hub) handleBroadcast(msg roomBroadcast) {
	clients := h.getRoomSnapshot(msg.room)
	if len(clients) == 0 {
		return
	}

	failed := h.broadcastToClients(clients, msg.payload)
	h.removeFailedClients(failed)

	if msg.terminal {
		h.evictRoom(msg.room)
	}
}

func (h *Hub) getRoomSnapshot(room string) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	members := h.rooms[room]
	clients := make([]*Client, 0, len(members))
	for client := range members {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients offers payload to every client and returns those that could not take it.
func (h *Hub) broadcastToClients(clients []*Client, payload []byte) []*Client {
	var failed []*Client
	for _, client := range clients {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	return failed
}

// removeFailedClients drops clients whose send buffer was full and closes their channels.
func (h *Hub) removeFailedClients(clients []*Client) {
	if len(clients) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clients {
		if ch, ok := h.detachLocked(client); ok {
			channelsToClose = append(channelsToClose, ch)
			h.log.Warn("client removed due to full send buffer",
				zap.String("room", client.room),
				zap.String("remote_addr", client.addr),
			)
		}
	}
	clientCount, roomCount := len(h.clients), len(h.rooms)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	h.metrics.recordDrops(len(channelsToClose))
	h.metrics.setMembership(clientCount, roomCount)
}

// evictRoom disconnects every subscriber of room. Closing the send channel
// makes the write pump flush what is queued and then send a close frame.
func (h *Hub) evictRoom(room string) {
	h.mutex.Lock()
	members := h.rooms[room]
	channelsToClose := make([]chan []byte, 0, len(members))
	for client := range members {
		if ch, ok := h.detachLocked(client); ok {
			channelsToClose = append(channelsToClose, ch)
		}
	}
	clientCount, roomCount := len(h.clients), len(h.rooms)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
	h.metrics.recordEvictions(len(channelsToClose))
	h.metrics.setMembership(clientCount, roomCount)
	h.log.Info("room subscribers evicted", zap.String("room", room), zap.Int("count", len(channelsToClose)))
}

// shutdownClients closes every live connection.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("error closing client connection", zap.String("remote_addr", client.addr), zap.Error(err))
		}
	}

	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown stops the hub and waits up to timeout for client goroutines to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
