package emit

import "context"

// Emitter receives Events from the engine. Implementations must not block
// the emitting job task: buffer, drop-and-log, or hand off asynchronously.
// Grounded on the teacher's graph/emit.Emitter shape, trimmed to this
// engine's single Emit method plus Flush (EmitBatch is folded into Bus,
// which already batches fan-out to subscribers).
type Emitter interface {
	Emit(event Event)
	Flush(ctx context.Context) error
}
