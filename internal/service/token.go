package service

import "sync"

// WriteToken is the process-wide lock that lets a single cycle or job
// mutate the ledger at a time. Acquisition never blocks.
type WriteToken struct {
	mu     sync.Mutex
	holder string
}

// NewWriteToken creates an unheld token
func NewWriteToken() *WriteToken {
	return &WriteToken{}
}

// TryAcquire takes the token for holder and reports whether it succeeded
func (t *WriteToken) TryAcquire(holder string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != "" {
		return false
	}
	if holder == "" {
		holder = "anonymous"
	}
	t.holder = holder
	return true
}

// Release frees the token
func (t *WriteToken) Release() {
	t.mu.Lock()
	t.holder = ""
	t.mu.Unlock()
}

// Holder returns who holds the token, or "" when free
func (t *WriteToken) Holder() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}
