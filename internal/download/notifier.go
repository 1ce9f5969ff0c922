package download

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/offlinekit/offline-core/internal/models"
	"github.com/offlinekit/offline-core/internal/state"
)

// Message represents a notification message
type Message struct {
	Type    string      `json:"type"` // status, stats
	Payload interface{} `json:"payload"`
}

// Client represents a connected status stream subscriber
type Client struct {
	ID       string
	SendChan chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewClient creates a new client
func NewClient(id string) *Client {
	return &Client{
		ID:       id,
		SendChan: make(chan []byte, 256),
	}
}

// Send queues a message for the client, dropping it when the client is slow
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.SendChan <- data:
		return true
	default:
		return false
	}
}

// Close closes the client's send channel
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.SendChan)
	}
}

// NotifierStats counts terminal track outcomes seen by the notifier
type NotifierStats struct {
	Downloading int     `json:"downloading"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	Clients     int     `json:"clients"`
}

// Notifier fans status updates out to connected clients
type Notifier struct {
	clients    map[string]*Client
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	statsMu     sync.Mutex
	downloading map[string]bool
	completed   int
	failed      int
}

// NewNotifier creates a new notifier
func NewNotifier() *Notifier {
	return &Notifier{
		clients:     make(map[string]*Client),
		broadcast:   make(chan *Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		downloading: make(map[string]bool),
	}
}

// Start runs the notifier until ctx is done
func (n *Notifier) Start(ctx context.Context) {
	go n.run(ctx)
}

// Attach subscribes the notifier to a state store and returns the
// unsubscribe function
func (n *Notifier) Attach(st *state.Store) func() {
	return st.Subscribe(n.NotifyStatus)
}

// run is the main event loop for the notifier
func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			for id, client := range n.clients {
				client.Close()
				delete(n.clients, id)
			}
			n.mu.Unlock()
			return

		case client := <-n.register:
			n.mu.Lock()
			n.clients[client.ID] = client
			n.mu.Unlock()

		case client := <-n.unregister:
			n.mu.Lock()
			if _, ok := n.clients[client.ID]; ok {
				delete(n.clients, client.ID)
				client.Close()
			}
			n.mu.Unlock()

		case message := <-n.broadcast:
			n.broadcastMessage(message)
		}
	}
}

// broadcastMessage broadcasts a message to all clients
func (n *Notifier) broadcastMessage(message *Message) {
	data, err := json.Marshal(message)
	if err != nil {
		return
	}

	n.mu.RLock()
	for _, client := range n.clients {
		client.Send(data)
	}
	n.mu.RUnlock()
}

// Register registers a new client. After shutdown the client is closed
// right away.
func (n *Notifier) Register(client *Client) {
	select {
	case n.register <- client:
	case <-n.done:
		client.Close()
	}
}

// Unregister unregisters a client
func (n *Notifier) Unregister(client *Client) {
	select {
	case n.unregister <- client:
	case <-n.done:
	}
}

// NotifyStatus publishes a status update. It never blocks.
func (n *Notifier) NotifyStatus(update state.Update) {
	if update.Kind == state.KindTrack {
		n.statsMu.Lock()
		switch update.Status {
		case models.StatusDownloading:
			n.downloading[update.ID] = true
		case models.StatusComplete:
			delete(n.downloading, update.ID)
			n.completed++
		case models.StatusError:
			delete(n.downloading, update.ID)
			n.failed++
		default:
			delete(n.downloading, update.ID)
		}
		n.statsMu.Unlock()
	}

	select {
	case n.broadcast <- &Message{Type: "status", Payload: update}:
	default:
		// Broadcast channel full, drop message
	}
}

// BroadcastStats publishes the current counters to every client
func (n *Notifier) BroadcastStats() {
	select {
	case n.broadcast <- &Message{Type: "stats", Payload: n.GetStats()}:
	default:
	}
}

// RunStatsTicker publishes stats every interval until ctx is done
func (n *Notifier) RunStatsTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.GetClientCount() > 0 {
				n.BroadcastStats()
			}
		}
	}
}

// GetStats returns overall download statistics
func (n *Notifier) GetStats() NotifierStats {
	n.statsMu.Lock()
	stats := NotifierStats{
		Downloading: len(n.downloading),
		Completed:   n.completed,
		Failed:      n.failed,
	}
	n.statsMu.Unlock()

	if total := stats.Completed + stats.Failed; total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(total) * 100
	}
	stats.Clients = n.GetClientCount()
	return stats
}

// GetClientCount returns the number of connected clients
func (n *Notifier) GetClientCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}
