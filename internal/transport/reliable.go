package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"midimesh/internal/wire"
)

// Defaults for the reliable layer's retry schedule (spec §4.4.2).
const (
	DefaultTimeoutMs      = 100
	DefaultMaxRetries     = 3
	DefaultRetryBackoffMs = 50

	reliableTick = 10 * time.Millisecond
)

// OnSuccessFunc is invoked once a reliable send's sequence is ACKed.
type OnSuccessFunc func()

// OnFailureFunc is invoked when a reliable send is abandoned or cancelled,
// carrying a human-readable reason (spec §4.11).
type OnFailureFunc func(reason string)

// ReliableStats mirrors the counters implied by spec §3/§7 for the
// ACK/NACK retry layer.
type ReliableStats struct {
	Sent    uint64
	Retries uint64
	Acked   uint64
	Nacked  uint64
	Failed  uint64
}

type pendingSend struct {
	pkt        *wire.Packet
	addr       *net.UDPAddr
	sendTime   time.Time
	retryCount int
	onSuccess  OnSuccessFunc
	onFailure  OnFailureFunc
}

// ReliableLayer wraps a UDPTransport with ACK/NACK-driven retry and a
// linearly growing backoff (spec §4.4.2). A 10ms tick sweep checks pending
// sends against timeoutMs + retryCount*retryBackoffMs.
type ReliableLayer struct {
	udp *UDPTransport

	TimeoutMs      int
	MaxRetries     int
	RetryBackoffMs int

	// limiter throttles retransmissions so a burst of simultaneous
	// timeouts doesn't flood a struggling peer (spec §9 ecosystem
	// rate-limiter note).
	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[uint16]*pendingSend

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   ReliableStats
}

// NewReliableLayer creates a reliable layer atop udp with the spec's
// default timeout/retry/backoff values.
func NewReliableLayer(udp *UDPTransport) *ReliableLayer {
	return &ReliableLayer{
		udp:            udp,
		TimeoutMs:      DefaultTimeoutMs,
		MaxRetries:     DefaultMaxRetries,
		RetryBackoffMs: DefaultRetryBackoffMs,
		limiter:        rate.NewLimiter(rate.Limit(500), 100),
		pending:        make(map[uint16]*pendingSend),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the timeout-sweep goroutine.
func (r *ReliableLayer) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go r.tickLoop()
}

func (r *ReliableLayer) tickLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(reliableTick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ReliableLayer) sweep() {
	now := time.Now()
	var retry, fail []*pendingSend

	r.mu.Lock()
	for seq, p := range r.pending {
		deadline := time.Duration(r.TimeoutMs+p.retryCount*r.RetryBackoffMs) * time.Millisecond
		if now.Sub(p.sendTime) < deadline {
			continue
		}
		if p.retryCount < r.MaxRetries {
			p.retryCount++
			p.sendTime = now
			retry = append(retry, p)
		} else {
			delete(r.pending, seq)
			fail = append(fail, p)
		}
	}
	r.mu.Unlock()

	for _, p := range retry {
		r.retransmit(p)
	}
	for _, p := range fail {
		r.statsMu.Lock()
		r.stats.Failed++
		r.statsMu.Unlock()
		if p.onFailure != nil {
			p.onFailure("max retries exceeded")
		}
	}
}

func (r *ReliableLayer) retransmit(p *pendingSend) {
	if !r.limiter.Allow() {
		return // throttled; the next tick will try again
	}
	_ = r.udp.Send(p.pkt, p.addr)
	r.statsMu.Lock()
	r.stats.Retries++
	r.statsMu.Unlock()
}

// SendReliable records pkt in the pending map, sets the Reliable flag, and
// transmits it once. onSuccess fires on ACK; onFailure fires after
// MaxRetries are exhausted or on CancelAll.
func (r *ReliableLayer) SendReliable(pkt *wire.Packet, addr *net.UDPAddr, onSuccess OnSuccessFunc, onFailure OnFailureFunc) error {
	pkt.Flags |= wire.FlagReliable
	p := &pendingSend{pkt: pkt, addr: addr, sendTime: time.Now(), onSuccess: onSuccess, onFailure: onFailure}

	r.mu.Lock()
	r.pending[pkt.Sequence] = p
	r.mu.Unlock()

	err := r.udp.Send(pkt, addr)
	r.statsMu.Lock()
	r.stats.Sent++
	r.statsMu.Unlock()
	return err
}

// SendUnreliable is a thin passthrough to the underlying UDP transport
// (spec §4.4.2).
func (r *ReliableLayer) SendUnreliable(pkt *wire.Packet, addr *net.UDPAddr) error {
	return r.udp.Send(pkt, addr)
}

// OnAck removes seq from the pending map and fires its onSuccess callback.
func (r *ReliableLayer) OnAck(seq uint16) {
	r.mu.Lock()
	p, ok := r.pending[seq]
	if ok {
		delete(r.pending, seq)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.statsMu.Lock()
	r.stats.Acked++
	r.statsMu.Unlock()
	if p.onSuccess != nil {
		p.onSuccess()
	}
}

// OnNack forces an immediate retry of seq via the same path a timeout uses,
// subject to the same MaxRetries ceiling sweep() enforces — otherwise a peer
// that keeps NACKing the same sequence could force unbounded retransmission.
func (r *ReliableLayer) OnNack(seq uint16) {
	r.mu.Lock()
	p, ok := r.pending[seq]
	exceeded := false
	if ok {
		if p.retryCount < r.MaxRetries {
			p.retryCount++
			p.sendTime = time.Now()
		} else {
			delete(r.pending, seq)
			exceeded = true
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.statsMu.Lock()
	r.stats.Nacked++
	if exceeded {
		r.stats.Failed++
	}
	r.statsMu.Unlock()

	if exceeded {
		if p.onFailure != nil {
			p.onFailure("max retries exceeded")
		}
		return
	}
	r.retransmit(p)
}

// CancelAll invokes onFailure("cancelled") on every outstanding send and
// clears the pending map.
func (r *ReliableLayer) CancelAll() {
	r.mu.Lock()
	pend := r.pending
	r.pending = make(map[uint16]*pendingSend)
	r.mu.Unlock()
	for _, p := range pend {
		if p.onFailure != nil {
			p.onFailure("cancelled")
		}
	}
}

// PendingCount returns the number of outstanding reliable sends.
func (r *ReliableLayer) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop is idempotent.
func (r *ReliableLayer) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
}

// Stats returns a snapshot of the reliable layer's counters.
func (r *ReliableLayer) Stats() ReliableStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
