package session

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator produces monotonically increasing decimal string operation
// IDs for callers that do not supply their own (spec §6: "IDs for operations
// are caller-provided or session-generated as monotonically increasing
// decimal strings").
type IDGenerator struct{ next atomic.Uint64 }

// Next returns the next decimal string ID, starting at "1"; it never
// returns InitialSubmitID (""), which tags session-lifecycle events.
func (g *IDGenerator) Next() string {
	return strconv.FormatUint(g.next.Add(1), 10)
}
