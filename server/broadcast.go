package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cyclopcam/captioner/pkg/log"
	"github.com/cyclopcam/captioner/server/captiondb"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of messages that we will buffer for a subscriber, before dropping messages to it
const CaptionSendQueueSize = 20

// SYNC-CAPTION-WEBSOCKET-MESSAGE
type captionMessage struct {
	Type    string             `json:"type"` // "caption" or "error"
	Caption *captiondb.Caption `json:"caption,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type subscriber struct {
	id          int64
	sendQueue   chan []byte
	nDropped    int64
	lastDropMsg time.Time
}

// Broadcaster pushes every new caption to all websocket subscribers.
// A slow subscriber does not block the others. Its messages are dropped instead.
type Broadcaster struct {
	log         logs.Log
	lock        sync.Mutex
	nextID      int64
	closed      bool
	subscribers map[int64]*subscriber
}

func NewBroadcaster(logger logs.Log) *Broadcaster {
	return &Broadcaster{
		log:         log.NewPrefixLogger(logger, "Broadcast:"),
		subscribers: map[int64]*subscriber{},
	}
}

func (b *Broadcaster) NumSubscribers() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) PublishCaption(c *captiondb.Caption) {
	b.publish(&captionMessage{Type: "caption", Caption: c})
}

func (b *Broadcaster) PublishError(message string) {
	b.publish(&captionMessage{Type: "error", Error: message})
}

func (b *Broadcaster) publish(msg *captionMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		b.log.Errorf("Failed to encode message: %v", err)
		return
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	now := time.Now()
	for _, sub := range b.subscribers {
		select {
		case sub.sendQueue <- raw:
		default:
			sub.nDropped++
			if now.Sub(sub.lastDropMsg) > 5*time.Second {
				b.log.Infof("Subscriber %v is slow. Dropped %v messages", sub.id, sub.nDropped)
				sub.lastDropMsg = now
			}
		}
	}
}

func (b *Broadcaster) subscribe() *subscriber {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.closed {
		return nil
	}
	b.nextID++
	sub := &subscriber{
		id:        b.nextID,
		sendQueue: make(chan []byte, CaptionSendQueueSize),
	}
	b.subscribers[sub.id] = sub
	return sub
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.sendQueue)
	}
}

// Close disconnects every subscriber
func (b *Broadcaster) Close() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.sendQueue)
	}
}

// Serve runs until the websocket is closed by either side
func (b *Broadcaster) Serve(conn *websocket.Conn) {
	defer conn.Close()
	sub := b.subscribe()
	if sub == nil {
		return
	}
	b.log.Debugf("Subscriber %v connected", sub.id)

	// We never expect anything from the client, but we must read in order to notice a close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		b.unsubscribe(sub)
	}()

	for raw := range sub.sendQueue {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			b.log.Infof("Subscriber %v write failed: %v", sub.id, err)
			break
		}
	}
	b.unsubscribe(sub)
	b.log.Debugf("Subscriber %v disconnected", sub.id)
}
