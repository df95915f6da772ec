package permission

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNoPending is returned when answering an unknown or resolved request.
var ErrNoPending = errors.New("no pending approval")

// Pending is an ask awaiting a decision.
type Pending struct {
	Request   Request
	CreatedAt time.Time
}

// ApprovalManager holds asks until someone responds or the waiter gives up.
type ApprovalManager struct {
	mu       sync.Mutex
	pending  map[string]*pendingEntry
	onCreate func(Pending)
}

type pendingEntry struct {
	p  Pending
	ch chan bool
}

// NewApprovalManager creates a manager. onCreate, if set, is called for
// every new ask so a UI or channel can prompt the user.
func NewApprovalManager(onCreate func(Pending)) *ApprovalManager {
	return &ApprovalManager{pending: make(map[string]*pendingEntry), onCreate: onCreate}
}

// Create registers req and returns its id.
func (m *ApprovalManager) Create(req Request) string {
	if req.ID == "" {
		req.ID = newApprovalID()
	}
	e := &pendingEntry{p: Pending{Request: req, CreatedAt: time.Now()}, ch: make(chan bool, 1)}
	m.mu.Lock()
	m.pending[req.ID] = e
	m.mu.Unlock()
	if m.onCreate != nil {
		m.onCreate(e.p)
	}
	return req.ID
}

// Wait blocks until id is answered or ctx ends.
func (m *ApprovalManager) Wait(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoPending, id)
	}
	defer m.cleanup(id)
	select {
	case approved := <-e.ch:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Respond delivers a decision for id.
func (m *ApprovalManager) Respond(id string, approved bool) error {
	m.mu.Lock()
	e, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPending, id)
	}
	select {
	case e.ch <- approved:
	default:
	}
	return nil
}

// Request creates an ask and waits for its answer.
func (m *ApprovalManager) Request(ctx context.Context, req Request) (bool, error) {
	id := m.Create(req)
	return m.Wait(ctx, id)
}

// List returns the outstanding asks, oldest first.
func (m *ApprovalManager) List() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *ApprovalManager) cleanup(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

func newApprovalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return "perm-" + hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("perm-%d", time.Now().UnixNano())
}
