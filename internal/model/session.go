package model

import "sync"

// Session represents a connected gateway session. The embedding
// connection framework authenticates the account before dialing; the
// gateway trusts the hello.
type Session struct {
	ID      string
	Account string
	Caps    map[string]bool
	Conn    interface {
		WriteJSON(v interface{}) error
		ReadJSON(v interface{}) error
		WriteMessage(msgType int, data []byte) error
		ReadMessage() (messageType int, p []byte, err error)
		Close() error
	}
	Send chan []byte
}

// HasCap reports whether the session negotiated a capability.
func (s *Session) HasCap(name string) bool {
	return s.Caps[name]
}

// SessionRegistry manages connected gateway sessions.
type SessionRegistry struct {
	mu         sync.RWMutex
	byAccount  map[string]map[*Session]bool // account -> set of sessions
	byConn     map[*Session]string          // session -> account
	register   chan *Session
	unregister chan *Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byAccount:  make(map[string]map[*Session]bool),
		byConn:     make(map[*Session]string),
		register:   make(chan *Session),
		unregister: make(chan *Session),
	}
}

func (r *SessionRegistry) Register(s *Session) {
	r.register <- s
}

func (r *SessionRegistry) Unregister(s *Session) {
	r.unregister <- s
}

func (r *SessionRegistry) Run() {
	for {
		select {
		case s := <-r.register:
			r.mu.Lock()
			if r.byAccount[s.Account] == nil {
				r.byAccount[s.Account] = make(map[*Session]bool)
			}
			r.byAccount[s.Account][s] = true
			r.byConn[s] = s.Account
			r.mu.Unlock()

		case s := <-r.unregister:
			r.mu.Lock()
			account, ok := r.byConn[s]
			if !ok {
				r.mu.Unlock()
				continue
			}
			if sessions, ok := r.byAccount[account]; ok {
				if _, ok := sessions[s]; ok {
					// Send stays open: a sender may still hold this
					// session from an earlier snapshot. The write pump
					// exits through the connection close instead.
					delete(sessions, s)
					if len(sessions) == 0 {
						delete(r.byAccount, account)
					}
				}
			}
			delete(r.byConn, s)
			r.mu.Unlock()
		}
	}
}

// GetSessions returns the sessions registered for an account.
func (r *SessionRegistry) GetSessions(account string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sessions []*Session
	if set, ok := r.byAccount[account]; ok {
		for s := range set {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// WithCap returns all sessions that negotiated the given capability.
func (r *SessionRegistry) WithCap(name string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sessions []*Session
	for s := range r.byConn {
		if s.HasCap(name) {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// IsOnline reports whether an account has at least one session.
func (r *SessionRegistry) IsOnline(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions, ok := r.byAccount[account]
	if !ok || len(sessions) == 0 {
		return false
	}
	return true
}
