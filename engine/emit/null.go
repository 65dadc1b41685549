package emit

import "context"

// NullEmitter discards every event. Grounded on the teacher's
// graph/emit.NullEmitter; used in tests and when no observer is configured.
type NullEmitter struct{}

func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(Event) {}

func (n *NullEmitter) Flush(context.Context) error { return nil }
