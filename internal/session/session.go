package session

import (
	"sort"
	"sync"
)

type Status string

const (
	StatusConnecting   Status = "conectando"
	StatusConnected    Status = "conectado"
	StatusDisconnected Status = "desconectado"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusDisconnected:
		return true
	}
	return false
}

// Chat is the cached metadata of one conversation partner.
type Chat struct {
	JID       string `json:"jid"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ChatMap caches chat metadata by JID. It is safe for concurrent use.
type ChatMap struct {
	mu    sync.RWMutex
	chats map[string]Chat
}

func NewChatMap() *ChatMap {
	return &ChatMap{chats: make(map[string]Chat)}
}

func (m *ChatMap) Get(jid string) (Chat, bool) {
	if m == nil {
		return Chat{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[jid]
	return c, ok
}

// Put stores c, keeping previously known fields that c leaves empty.
func (m *ChatMap) Put(c Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.chats[c.JID]; ok {
		if c.Name == "" {
			c.Name = prev.Name
		}
		if c.AvatarURL == "" {
			c.AvatarURL = prev.AvatarURL
		}
	}
	m.chats[c.JID] = c
}

func (m *ChatMap) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chats)
}

// Session is the connector's view of one WhatsApp connection of a workspace.
// Values held by the Registry are never mutated in place.
type Session struct {
	IntegrationAccountID string
	WorkspaceID          string
	Status               Status
	Blocked              bool
	Number               string
	Name                 string
	SelfAvatarURL        string
	LastQR               string
	Chats                *ChatMap
}

// Usable reports whether inbound traffic for the session may be processed.
func (s *Session) Usable() bool {
	return s != nil && !s.Blocked && s.Status != StatusDisconnected
}

// Registry is the in-process session cache consulted on the hot path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the session for the integration account or nil.
func (r *Registry) Get(integrationAccountID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[integrationAccountID]
}

func (r *Registry) Put(s *Session) {
	if s.Chats == nil {
		s.Chats = NewChatMap()
	}
	r.mu.Lock()
	r.sessions[s.IntegrationAccountID] = s
	r.mu.Unlock()
}

// Update applies fn to a copy of the stored session and stores the copy. A missing session is
// created from the zero value. The chat map is shared between copies.
func (r *Registry) Update(integrationAccountID string, fn func(*Session)) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := &Session{IntegrationAccountID: integrationAccountID, Status: StatusConnecting}
	if prev, ok := r.sessions[integrationAccountID]; ok {
		copied := *prev
		next = &copied
	}
	fn(next)
	next.IntegrationAccountID = integrationAccountID
	if next.Chats == nil {
		next.Chats = NewChatMap()
	}
	r.sessions[integrationAccountID] = next
	return next
}

func (r *Registry) Remove(integrationAccountID string) {
	r.mu.Lock()
	delete(r.sessions, integrationAccountID)
	r.mu.Unlock()
}

// List returns all sessions ordered by integration account id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].IntegrationAccountID < out[j].IntegrationAccountID
	})
	return out
}
