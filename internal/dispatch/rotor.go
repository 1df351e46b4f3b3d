package dispatch

import (
	"fmt"
	"sync"
)

// Rotor hands out originating phone number ids round-robin so outbound volume
// spreads across the pool and no single caller id burns out.
type Rotor struct {
	mu   sync.Mutex
	ids  []string
	next int
}

func NewRotor(ids []string) (*Rotor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("dispatch: at least one phone number id is required")
	}
	return &Rotor{ids: append([]string(nil), ids...)}, nil
}

// Next returns the next phone number id in rotation.
func (r *Rotor) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.ids[r.next]
	r.next = (r.next + 1) % len(r.ids)
	return id
}
