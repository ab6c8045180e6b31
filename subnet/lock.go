package subnet

import "sync"

// Lock is the reader/writer lock shared by every component touching the
// subnet. Access goes through Read and Write so the lock is released on every
// exit path, panics included.
type Lock struct {
	mu     sync.RWMutex
	subnet *Subnet
}

// NewLock guards s. A nil s is replaced by an empty subnet.
func NewLock(s *Subnet) *Lock {
	if s == nil {
		s = New()
	}
	return &Lock{subnet: s}
}

// Read runs fn with the subnet under the shared lock. fn must not mutate it.
func (l *Lock) Read(fn func(*Subnet) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(l.subnet)
}

// Write runs fn with the subnet under the exclusive lock.
func (l *Lock) Write(fn func(*Subnet) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.subnet)
}
