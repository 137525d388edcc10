package model

import "time"

// DeliveryChannel names where feedback was sent.
type DeliveryChannel string

const (
	DeliveryChannelTelegram   DeliveryChannel = "telegram"
	DeliveryChannelSalesforce DeliveryChannel = "salesforce"
)

// Delivery is an append-only record of one successful delivery attempt for a
// submission's feedback. Multiple rows per submission are expected when more
// than one channel is configured for the deliver stage.
type Delivery struct {
	ID                int64           `json:"id,omitempty"`
	SubmissionID      string          `json:"submission_id"`
	Channel           DeliveryChannel `json:"channel"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}
