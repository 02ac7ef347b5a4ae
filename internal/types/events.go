package types

// Order lifecycle event names emitted by the execution engine. Handler sets
// are keyed by these; the fan-out layer forwards them on the matching
// order_updates channels.
const (
	EventOrderCreated  = "order_created"
	EventOrderUpdated  = "order_updated"
	EventOrderFilled   = "order_filled"
	EventOrderRejected = "order_rejected"
	EventOrderCanceled = "order_canceled"
)
