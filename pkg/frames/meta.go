package frames

// Metadata keys shared by transports, sessions and observers.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaConferenceKey = "conference_key"
	MetaFromNumber    = "from_number"
	MetaCallEndReason = "call_end_reason"
	MetaEncoding      = "encoding"
	MetaSource        = "source"
	MetaConnID        = "conn_id"
)
