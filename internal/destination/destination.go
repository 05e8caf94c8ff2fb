// Package destination defines the sink contract every fan-out target
// implements. Implementations live in their own packages (snowflake,
// postgres) and are composed by the dlq wrapper.
package destination

import (
	"context"

	"github.com/dwickyfp/rosetta/internal/cdc"
)

// Destination receives batches of decoded replication events.
//
// WriteEvents must be safe to call concurrently with CheckConnection: the
// recovery loop probes while live traffic may still be routed elsewhere.
type Destination interface {
	// WriteEvents delivers a batch of events. An empty batch is a no-op.
	WriteEvents(ctx context.Context, events []cdc.Event) error

	// WriteTableRows delivers full-row copies outside the event stream.
	WriteTableRows(ctx context.Context, table cdc.TableId, rows []cdc.TableRow) error

	// TruncateTable signals a schema-time truncate of the source table.
	TruncateTable(ctx context.Context, table cdc.TableId) error

	// CheckConnection probes destination health without writing data.
	CheckConnection(ctx context.Context) error
}
