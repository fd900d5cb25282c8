package llm

import (
	"math/rand"
	"sync"
	"time"

	"github.com/gammazero/deque"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	DefaultMaxHistory = 20
	DefaultRetention  = 20 * time.Minute

	// cleanupChance is the probability that an Add also sweeps expired
	// entries from every conversation.
	cleanupChance = 0.01
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

type history struct {
	mu       sync.Mutex
	messages deque.Deque[Message]
}

// Memory keeps a bounded conversation per interaction.
type Memory struct {
	conversations cmap.ConcurrentMap[string, *history]
	maxHistory    int
	retention     time.Duration

	now    func() time.Time
	chance func() float64
}

func NewMemory(maxHistory int, retention time.Duration) *Memory {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		conversations: cmap.New[*history](),
		maxHistory:    maxHistory,
		retention:     retention,
		now:           time.Now,
		chance:        rand.Float64,
	}
}

// Add appends a message to key's conversation, dropping the oldest once the
// conversation is full.
func (m *Memory) Add(key string, role Role, content string) {
	h := m.conversations.Upsert(key, nil, func(exist bool, cur, _ *history) *history {
		if exist {
			return cur
		}
		return &history{}
	})

	h.mu.Lock()
	h.messages.PushBack(Message{Role: role, Content: content, Timestamp: m.now()})
	for h.messages.Len() > m.maxHistory {
		h.messages.PopFront()
	}
	h.mu.Unlock()

	if m.chance() < cleanupChance {
		m.CleanOldEntries()
	}
}

// Get returns a copy of key's conversation, oldest first.
func (m *Memory) Get(key string) []Message {
	h, ok := m.conversations.Get(key)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, h.messages.Len())
	for i := range out {
		out[i] = h.messages.At(i)
	}
	return out
}

func (m *Memory) Len() int {
	return m.conversations.Count()
}

// CleanOldEntries drops messages older than the retention period and
// forgets conversations left empty.
func (m *Memory) CleanOldEntries() {
	cutoff := m.now().Add(-m.retention)
	for _, key := range m.conversations.Keys() {
		m.conversations.RemoveCb(key, func(_ string, h *history, exists bool) bool {
			if !exists {
				return false
			}
			h.mu.Lock()
			defer h.mu.Unlock()
			for h.messages.Len() > 0 && h.messages.Front().Timestamp.Before(cutoff) {
				h.messages.PopFront()
			}
			return h.messages.Len() == 0
		})
	}
}
