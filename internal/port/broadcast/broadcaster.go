// Package broadcast defines the port for fanning envelopes out to connected
// clients.
package broadcast

import (
	"context"

	"github.com/Strob0t/ForgeSync/internal/domain/envelope"
)

// Broadcaster delivers envelopes to every subscribed connection. Delivery is
// best-effort per connection; a slow consumer is dropped, never waited on.
type Broadcaster interface {
	// Broadcast queues env for delivery to all matching connections.
	Broadcast(ctx context.Context, env *envelope.Envelope)
}
