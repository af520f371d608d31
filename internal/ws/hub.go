package ws

import "sync"

// TopicAlerts carries alert lifecycle changes.
const TopicAlerts = "alerts"

const broadcastBuffer = 64

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans out payloads to subscribers grouped by topic.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
}

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, broadcastBuffer),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for topic, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
				delete(h.clients, topic)
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			h.mu.Unlock()
		case sub := <-h.unreg:
			h.mu.Lock()
			h.remove(sub.topic, sub.client)
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[msg.topic] {
				if err := c.Send(msg.payload); err != nil {
					c.Close()
					h.remove(msg.topic, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(topic string, client Subscriber) {
	clients, ok := h.clients[topic]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, topic)
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	select {
	case h.unreg <- subscription{topic: topic, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of topic. It never blocks;
// false means the payload was dropped because the hub is saturated or closed.
func (h *Hub) Broadcast(topic string, payload []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
		return true
	default:
		return false
	}
}

// Subscribers reports the number of clients attached to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every subscriber and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
