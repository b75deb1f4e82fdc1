package model

// UserContact holds the addresses external channel senders deliver to.
type UserContact struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	PushToken  string `json:"push_token,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}
