// Package models defines transport event structures shared by the
// messaging services and the inbound router.
package models

// Response is an incoming text message event emitted by a transport
// service. Time is a Unix timestamp in seconds.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// Receipt is a delivery status event for a previously sent message.
// MessageID carries the provider's correlation id when one exists.
type Receipt struct {
	To        string        `json:"to"`
	MessageID string        `json:"message_id,omitempty"`
	Status    MessageStatus `json:"status"`
	Time      int64         `json:"time"`
}
