package transport

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/wa-gateway/internal/core"
)

var ErrTemporary = errors.New("transport_temporary_error")

// Dummy simulates a WhatsApp client: some latency, occasional transient
// failures, and one in-flight send per session (the real client cannot
// multiplex a socket).
type Dummy struct {
	Latency     time.Duration
	FailPercent int // 0..100

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDummy() *Dummy {
	return &Dummy{Latency: 50 * time.Millisecond, FailPercent: 3, locks: map[string]*sync.Mutex{}}
}

func (d *Dummy) sessionLock(id string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[id]
	if !ok {
		l = &sync.Mutex{}
		d.locks[id] = l
	}
	return l
}

func (d *Dummy) Send(ctx context.Context, session core.Session, recipient string, payload core.Payload) error {
	l := d.sessionLock(session.ID)
	l.Lock()
	defer l.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Latency):
	}
	if d.FailPercent > 0 && rand.IntN(100) < d.FailPercent {
		return ErrTemporary
	}
	return nil
}
