package transport

import (
	"context"

	"github.com/Cypherspark/wa-gateway/internal/core"
)

// Transport performs the actual network send over one session. Implementations
// must be safe for concurrent use: shareable sessions are borrowed by multiple
// batch workers at once, so a transport that cannot multiplex has to serialize
// per session internally.
type Transport interface {
	Send(ctx context.Context, session core.Session, recipient string, payload core.Payload) error
}
