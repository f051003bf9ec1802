package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonChannelUnavailable ReasonCode = "stt_channel_unavailable"
	ReasonChannelClosed      ReasonCode = "stt_channel_closed"
	ReasonChannelError       ReasonCode = "stt_channel_error"
	ReasonChannelSend        ReasonCode = "stt_send"

	ReasonClassifier            ReasonCode = "classifier_error"
	ReasonClassifierRateLimit   ReasonCode = "classifier_rate_limit"
	ReasonClassifierCircuitOpen ReasonCode = "classifier_circuit_open"
	ReasonClassifierUnavailable ReasonCode = "classifier_unavailable"
	ReasonClassifierVerdict     ReasonCode = "classifier_bad_verdict"

	ReasonDispatchNotify   ReasonCode = "dispatch_notify"
	ReasonDispatchAnnounce ReasonCode = "dispatch_announce"
	ReasonDispatchPublish  ReasonCode = "dispatch_publish"
	ReasonNoConference     ReasonCode = "dispatch_no_conference"

	ReasonMalformedSignal           ReasonCode = "malformed_signal"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
)
