package mailer

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("mailer disabled")
	ErrQueueFull = errors.New("mailer queue full")
	ErrStopped   = errors.New("mailer stopped")
)

// Config controls the async mail pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	SendTimeout time.Duration
}

// Message is one email. Done, when set, runs exactly once after the message
// was accepted by Submit: with nil on success, or with the failure.
type Message struct {
	To      string
	Subject string
	HTML    string
	Done    func(err error)
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}

// MailEvent is the Data of mail.* bus events.
type MailEvent struct {
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
