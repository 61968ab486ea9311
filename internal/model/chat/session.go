package chat

import "time"

// Session captures a transient anonymous affect session.
type Session struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	VideoActive bool      `json:"videoActive"`
	MicActive   bool      `json:"micActive"`
}
