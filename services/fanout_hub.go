package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub configuration
const (
	MaxFanoutClients      = 100 // maximum concurrent subscribers
	FanoutSendBuffer      = 64
	FanoutUpdateQueueSize = 256
	WebSocketWriteTimeout = 10 * time.Second
	WebSocketPongTimeout  = 60 * time.Second
	WebSocketPingInterval = 30 * time.Second
)

// PricePublisher is the write side of the live fan-out: producers hand
// the hub the freshest price per symbol.
type PricePublisher interface {
	PublishPrice(symbol string, price float64, ts int64)
}

// PriceUpdate is one fresh price observation for a symbol.
type PriceUpdate struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}

// subscription is the per-client delivery state for one symbol. Owned
// exclusively by the hub goroutine; lastSentTS is monotonically
// non-decreasing.
type subscription struct {
	symbol        string
	minInterval   int64
	lastSentPrice float64
	lastSentTS    int64
	sent          bool
}

// Subscriber is one connected client. conn is nil for in-process
// subscribers (tests); the hub only ever touches the send channel.
type Subscriber struct {
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	sub      *subscription // hub goroutine only
}

// Receive exposes the delivery channel of an in-process subscriber.
func (s *Subscriber) Receive() <-chan []byte { return s.send }

// Inbound wire messages form a small tagged set, validated once at the
// boundary and converted into typed hub commands before any hub logic
// runs.
type inboundMessage struct {
	Action   string `json:"action"` // init | watch | unwatch
	ClientID string `json:"client_id,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}

type hubCommand interface{ isHubCommand() }

type registerCmd struct{ sub *Subscriber }

type unregisterCmd struct{ sub *Subscriber }

type identifyCmd struct {
	sub      *Subscriber
	clientID string
}

type watchCmd struct {
	sub    *Subscriber
	symbol string
	done   chan struct{}
}

type unwatchCmd struct {
	sub  *Subscriber
	done chan struct{}
}

func (registerCmd) isHubCommand()   {}
func (unregisterCmd) isHubCommand() {}
func (identifyCmd) isHubCommand()   {}
func (watchCmd) isHubCommand()      {}
func (unwatchCmd) isHubCommand()    {}

// parseInbound validates one wire message and converts it to a typed
// command.
func parseInbound(sub *Subscriber, data []byte) (hubCommand, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	switch msg.Action {
	case "init":
		if msg.ClientID == "" {
			return nil, fmt.Errorf("init requires client_id")
		}
		return identifyCmd{sub: sub, clientID: msg.ClientID}, nil
	case "watch":
		if msg.Symbol == "" {
			return nil, fmt.Errorf("watch requires symbol")
		}
		return watchCmd{sub: sub, symbol: msg.Symbol}, nil
	case "unwatch":
		return unwatchCmd{sub: sub}, nil
	default:
		return nil, fmt.Errorf("unknown action %q", msg.Action)
	}
}

// LiveFanoutHub delivers the latest price per symbol to connected
// subscribers, throttled per subscription. All subscription state is
// mutated only inside the hub goroutine, so a symbol switch and the
// deliveries around it are totally ordered: no delivery for the old
// symbol can follow the switch.
type LiveFanoutHub struct {
	latest   LatestPriceStore
	settings *StreamSettings
	upgrader websocket.Upgrader

	commands chan hubCommand
	updates  chan PriceUpdate
	shutdown chan struct{}
	stopOnce sync.Once

	// hub goroutine only
	clients  map[*Subscriber]bool
	byClient map[string]*Subscriber

	nowFn        func() time.Time
	refreshEvery time.Duration

	mu          sync.RWMutex
	clientCount int
}

func NewLiveFanoutHub(latest LatestPriceStore, settings *StreamSettings) *LiveFanoutHub {
	return &LiveFanoutHub{
		latest:   latest,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		commands:     make(chan hubCommand),
		updates:      make(chan PriceUpdate, FanoutUpdateQueueSize),
		shutdown:     make(chan struct{}),
		clients:      make(map[*Subscriber]bool),
		byClient:     make(map[string]*Subscriber),
		nowFn:        time.Now,
		refreshEvery: DefaultSettingsRefresh,
	}
}

// Run processes commands and price updates until Stop. Must run in its
// own goroutine.
func (h *LiveFanoutHub) Run() {
	refresh := time.NewTicker(h.refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case <-h.shutdown:
			for client := range h.clients {
				h.dropClient(client)
			}
			return

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case update := <-h.updates:
			for client := range h.clients {
				if client.sub != nil && client.sub.symbol == update.Symbol {
					h.deliver(client, update)
				}
			}

		case <-refresh.C:
			// Stream settings are polled, not push-invalidated.
			for client := range h.clients {
				if client.sub != nil {
					client.sub.minInterval = int64(h.settings.DeltaSeconds(client.clientID, client.sub.symbol))
				}
			}
		}
	}
}

// Stop shuts the hub down and disconnects every subscriber.
func (h *LiveFanoutHub) Stop() {
	h.stopOnce.Do(func() { close(h.shutdown) })
}

func (h *LiveFanoutHub) handleCommand(cmd hubCommand) {
	switch c := cmd.(type) {
	case registerCmd:
		if len(h.clients) >= MaxFanoutClients {
			log.Printf("Fan-out client rejected: max clients reached (%d)", MaxFanoutClients)
			if c.sub.conn != nil {
				c.sub.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "Server at capacity"))
			}
			// Never added, so dropClient would not close the channel.
			close(c.sub.send)
			return
		}
		h.addClient(c.sub)

	case unregisterCmd:
		if h.clients[c.sub] {
			h.dropClient(c.sub)
		}

	case identifyCmd:
		// At most one active subscriber per client id: a newer
		// connection for the same id supersedes the old one.
		if prev, ok := h.byClient[c.clientID]; ok && prev != c.sub {
			h.dropClient(prev)
		}
		if c.sub.clientID != "" {
			delete(h.byClient, c.sub.clientID)
		}
		c.sub.clientID = c.clientID
		h.byClient[c.clientID] = c.sub

	case watchCmd:
		// A symbol switch tears the old subscription down before the
		// new one exists; there is no state under which a delivery for
		// the old symbol can still happen.
		c.sub.sub = &subscription{
			symbol:      c.symbol,
			minInterval: int64(h.settings.DeltaSeconds(c.sub.clientID, c.symbol)),
		}
		h.sendSnapshot(c.sub)
		if c.done != nil {
			close(c.done)
		}

	case unwatchCmd:
		c.sub.sub = nil
		if c.done != nil {
			close(c.done)
		}
	}
}

// sendSnapshot pushes the current latest price, if any, to a freshly
// created subscription so the client is not blind until the next tick.
func (h *LiveFanoutHub) sendSnapshot(sub *Subscriber) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	price, ts, err := h.latest.GetLatestPrice(ctx, sub.sub.symbol)
	if err != nil {
		if err != ErrNoData {
			log.Printf("Fan-out: latest price read failed for %s: %v", sub.sub.symbol, err)
		}
		return
	}
	h.deliver(sub, PriceUpdate{Symbol: sub.sub.symbol, Price: price, Time: ts})
}

// deliver applies the per-subscription throttle and, when it passes,
// pushes the update without ever blocking on a slow subscriber: a full
// send buffer evicts the client instead of stalling the hub.
func (h *LiveFanoutHub) deliver(client *Subscriber, update PriceUpdate) {
	sub := client.sub
	now := h.nowFn().Unix()

	if sub.sent {
		if update.Price == sub.lastSentPrice {
			return
		}
		if sub.minInterval > 0 && now-sub.lastSentTS < sub.minInterval {
			return
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"type":   "price",
		"symbol": update.Symbol,
		"price":  update.Price,
		"time":   update.Time,
	})
	if err != nil {
		log.Printf("Fan-out: marshal failed: %v", err)
		return
	}

	select {
	case client.send <- payload:
		sub.lastSentPrice = update.Price
		if now > sub.lastSentTS {
			sub.lastSentTS = now
		}
		sub.sent = true
	default:
		// Subscriber is not draining; evict rather than block others.
		log.Printf("Fan-out: evicting slow subscriber %s", client.clientID)
		h.dropClient(client)
	}
}

func (h *LiveFanoutHub) addClient(sub *Subscriber) {
	h.clients[sub] = true
	if sub.clientID != "" {
		if prev, ok := h.byClient[sub.clientID]; ok && prev != sub {
			h.dropClient(prev)
		}
		h.byClient[sub.clientID] = sub
	}
	h.setClientCount(len(h.clients))
	log.Printf("Fan-out client connected. Total clients: %d", len(h.clients))
}

func (h *LiveFanoutHub) dropClient(sub *Subscriber) {
	if h.clients[sub] {
		delete(h.clients, sub)
		close(sub.send)
	}
	if sub.clientID != "" && h.byClient[sub.clientID] == sub {
		delete(h.byClient, sub.clientID)
	}
	sub.sub = nil
	h.setClientCount(len(h.clients))
}

func (h *LiveFanoutHub) setClientCount(n int) {
	h.mu.Lock()
	h.clientCount = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected subscribers.
func (h *LiveFanoutHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientCount
}

// PublishPrice hands the hub a fresh price. Non-blocking: when the
// update queue is full the observation is dropped — the next tick
// supersedes it anyway.
func (h *LiveFanoutHub) PublishPrice(symbol string, price float64, ts int64) {
	select {
	case h.updates <- PriceUpdate{Symbol: symbol, Price: price, Time: ts}:
	default:
	}
}

// Attach registers an in-process subscriber (used by tests and embedded
// consumers).
func (h *LiveFanoutHub) Attach(clientID string) *Subscriber {
	sub := &Subscriber{
		clientID: clientID,
		send:     make(chan []byte, FanoutSendBuffer),
	}
	h.command(registerCmd{sub: sub})
	return sub
}

// Detach unregisters an in-process subscriber.
func (h *LiveFanoutHub) Detach(sub *Subscriber) {
	h.command(unregisterCmd{sub: sub})
}

// Watch points a subscriber at a symbol, replacing any existing
// subscription. It returns once the hub has processed the switch, after
// which no delivery for the previous symbol can be observed.
func (h *LiveFanoutHub) Watch(sub *Subscriber, symbol string) {
	done := make(chan struct{})
	select {
	case h.commands <- watchCmd{sub: sub, symbol: symbol, done: done}:
		<-done
	case <-h.shutdown:
	}
}

// Unwatch cancels a subscriber's subscription.
func (h *LiveFanoutHub) Unwatch(sub *Subscriber) {
	done := make(chan struct{})
	select {
	case h.commands <- unwatchCmd{sub: sub, done: done}:
		<-done
	case <-h.shutdown:
	}
}

func (h *LiveFanoutHub) command(cmd hubCommand) {
	select {
	case h.commands <- cmd:
	case <-h.shutdown:
	}
}

// HandleWebSocket upgrades an HTTP request into a live subscription
// connection. The client identifies itself either with a client_id query
// parameter or an init message.
func (h *LiveFanoutHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.ClientCount() >= MaxFanoutClients {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = r.RemoteAddr
	}

	sub := &Subscriber{
		conn:     conn,
		send:     make(chan []byte, FanoutSendBuffer),
		clientID: clientID,
	}
	h.command(registerCmd{sub: sub})

	go sub.writePump()
	go sub.readPump(h)
}

// writePump writes deliveries and pings to the connection; it exits when
// the hub closes the send channel or a write fails.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump validates inbound messages at the boundary and forwards typed
// commands to the hub; disconnect tears the subscription down.
func (s *Subscriber) readPump(h *LiveFanoutHub) {
	defer func() {
		h.command(unregisterCmd{sub: s})
		s.conn.Close()
	}()

	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(WebSocketPongTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			break
		}

		cmd, err := parseInbound(s, message)
		if err != nil {
			log.Printf("Fan-out: rejected message from %s: %v", s.clientID, err)
			continue
		}
		h.command(cmd)
	}
}
