package tracing

// Span attribute keys shared by the router and the admin surface.
const (
	AttrPeerID      = "peer.id"
	AttrMessageType = "message.type"
	AttrTaskID      = "task.id"
	AttrTemplateID  = "template.id"
	AttrRecipient   = "payment.recipient"
	AttrErrorKind   = "error.kind"
)

// Span name prefixes.
const (
	SpanPrefixMessage = "message."
	SpanPrefixAdmin   = "admin."
)
