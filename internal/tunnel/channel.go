package tunnel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ChannelState tracks where a channel sits in its accept→pipe→close
// lifecycle, per spec.md §3's Channel definition.
type ChannelState int

const (
	StateIdle ChannelState = iota
	StateCmd
	StateData
)

// Channel binds one local socket (user-facing on the client, target-facing
// on the server) to its id and to the peer id once known.
type Channel struct {
	ID       uint32
	RemoteID uint32 // 0 until the peer side is known
	State    ChannelState
	Conn     net.Conn

	// TargetAddr and OpenedAt are observational only, used by
	// internal/accounting; no protocol decision reads them.
	TargetAddr string
	OpenedAt   time.Time

	bytesUp   atomic.Int64
	bytesDown atomic.Int64

	closeOnce sync.Once
}

// CloseOnce runs fn at most once for this channel, regardless of how many
// goroutines race to tear it down (a peer CLOSE racing the local pipe's
// EOF, for instance). It reports whether fn actually ran.
func (c *Channel) CloseOnce(fn func()) (ran bool) {
	c.closeOnce.Do(func() {
		fn()
		ran = true
	})
	return ran
}

// AddBytesUp accumulates n bytes travelling user agent -> target
// (client->server direction): read from the user socket on the client,
// written to the target socket on the server.
func (c *Channel) AddBytesUp(n int64) { c.bytesUp.Add(n) }

// AddBytesDown accumulates n bytes travelling target -> user agent
// (server->client direction): read from the target socket on the server,
// written to the user socket on the client.
func (c *Channel) AddBytesDown(n int64) { c.bytesDown.Add(n) }

// BytesUp and BytesDown report the running totals.
func (c *Channel) BytesUp() int64   { return c.bytesUp.Load() }
func (c *Channel) BytesDown() int64 { return c.bytesDown.Load() }

// Table is the per-tunnel map from local channel id to Channel. It is
// guarded by its own mutex rather than owned exclusively by one goroutine:
// spec.md §5 explicitly allows a thread(goroutine)-per-connection
// implementation provided tunnel writes and shared tables are serialized.
type Table struct {
	mu     sync.Mutex
	byID   map[uint32]*Channel
	nextID uint32
}

// NewTable returns an empty channel table.
func NewTable() *Table {
	return &Table{byID: make(map[uint32]*Channel)}
}

// Allocate reserves a fresh id, installs ch under it, and returns the id.
func (tb *Table) Allocate(ch *Channel) uint32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.nextID++
	id := tb.nextID
	ch.ID = id
	tb.byID[id] = ch
	return id
}

// Insert installs ch under its own already-assigned ID.
func (tb *Table) Insert(ch *Channel) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.byID[ch.ID] = ch
}

// Get looks up a channel by local id.
func (tb *Table) Get(id uint32) (*Channel, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ch, ok := tb.byID[id]
	return ch, ok
}

// GetByRemoteID finds the channel whose RemoteID matches remoteID, used by
// the client multiplexer when a CLOSE arrives naming the server's id for a
// channel rather than the client's own.
func (tb *Table) GetByRemoteID(remoteID uint32) (*Channel, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for _, ch := range tb.byID {
		if ch.RemoteID == remoteID {
			return ch, true
		}
	}
	return nil, false
}

// Delete removes a channel by local id.
func (tb *Table) Delete(id uint32) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.byID, id)
}

// Len reports how many channels are currently installed.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.byID)
}

// Each applies fn to a snapshot of every installed channel, used when a
// tunnel dies and every live channel must be force-closed.
func (tb *Table) Each(fn func(*Channel)) {
	tb.mu.Lock()
	snapshot := make([]*Channel, 0, len(tb.byID))
	for _, ch := range tb.byID {
		snapshot = append(snapshot, ch)
	}
	tb.mu.Unlock()
	for _, ch := range snapshot {
		fn(ch)
	}
}
