package domain

import "errors"

var (
	ErrMissingSecret         = errors.New("webhook_secret_missing")
	ErrMissingSignature      = errors.New("signature_header_missing")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrMissingEventID        = errors.New("missing_event_id")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrEventBusy             = errors.New("event_processing_in_flight")
)
