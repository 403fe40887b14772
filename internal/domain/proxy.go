package domain

import "fmt"

// Proxy is one egress proxy with a bounded load counter. Load counts
// currently-online accounts routed through it and is only ever mutated
// through the pool's atomic conditional updates, so 0 <= Load <= Cap holds
// after every successful mutation.
type Proxy struct {
	ID   int64
	IP   string
	Port int
	Load int
	Cap  int
}

// Addr returns the host:port dial address.
func (p Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}
