// Package doomloop detects an agent repeating the same tool call without
// making progress.
package doomloop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultWindowSize = 10
	DefaultThreshold  = 3
)

// Entry is one recorded tool call.
type Entry struct {
	Tool string
	Hash string
	At   time.Time
}

// Detector keeps the last WindowSize tool calls of one session in a ring
// buffer. It is safe for concurrent use.
type Detector struct {
	mu        sync.Mutex
	window    int
	threshold int
	ring      []Entry
	next      int
	size      int
	now       func() time.Time
}

// New creates a detector. Non-positive arguments take the defaults and the
// threshold is clamped to the window size.
func New(windowSize, threshold int) *Detector {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold > windowSize {
		threshold = windowSize
	}
	return &Detector{
		window:    windowSize,
		threshold: threshold,
		ring:      make([]Entry, windowSize),
		now:       time.Now,
	}
}

// ShouldIntervene reports whether the last Threshold recorded calls are all
// identical to the proposed one. It does not mutate the detector.
func (d *Detector) ShouldIntervene(tool string, input any) bool {
	hash := Hash(input)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.size < d.threshold {
		return false
	}
	for i := 1; i <= d.threshold; i++ {
		e := d.ring[(d.next-i+d.window)%d.window]
		if e.Tool != tool || e.Hash != hash {
			return false
		}
	}
	return true
}

// Record appends a call, evicting the oldest entry once the window is full.
func (d *Detector) Record(tool string, input any) {
	e := Entry{Tool: tool, Hash: Hash(input), At: d.now()}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring[d.next] = e
	d.next = (d.next + 1) % d.window
	if d.size < d.window {
		d.size++
	}
}

// Entries returns the window contents, oldest first.
func (d *Detector) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, d.size)
	start := (d.next - d.size + d.window) % d.window
	for i := 0; i < d.size; i++ {
		out = append(out, d.ring[(start+i)%d.window])
	}
	return out
}

// Len returns the number of entries held.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Reset empties the window.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ring = make([]Entry, d.window)
	d.next = 0
	d.size = 0
}

// Threshold returns the number of identical trailing calls that trigger
// intervention.
func (d *Detector) Threshold() int { return d.threshold }

// Canonicalize renders input as JSON with object keys sorted at every level.
// Values that cannot be marshalled fall back to their fmt representation.
func Canonicalize(input any) string {
	if raw, ok := input.(json.RawMessage); ok {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			input = v
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%#v", input)
	}
	// Round-trip through a generic value so struct fields and map keys end
	// up in the same sorted order encoding/json uses for maps.
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// Hash returns the hex SHA-256 of the canonical form of input.
func Hash(input any) string {
	sum := sha256.Sum256([]byte(Canonicalize(input)))
	return hex.EncodeToString(sum[:])
}
