package domain

import "sync"

// Session is the live, in-memory handle to one authenticated remote
// connection. Sessions are created only by the registry and never survive
// a process restart. The web client may be replaced mid-session when a
// cookie expires and is re-established, hence the lock.
type Session struct {
	Key         AccountKey
	Steam       SteamClient
	Unsubscribe func()

	mu  sync.Mutex
	web WebClient
}

// NewSession builds a session handle around a logged-in client pair.
func NewSession(key AccountKey, steam SteamClient, web WebClient) *Session {
	return &Session{Key: key, Steam: steam, web: web}
}

func (s *Session) Web() WebClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.web
}

// SetWeb swaps in a freshly established web client.
func (s *Session) SetWeb(web WebClient) {
	s.mu.Lock()
	s.web = web
	s.mu.Unlock()
}
