// Package live pushes category updates to connected clients.
package live

import (
	"context"
	"encoding/json"
	"errors"
)

// TopicNews is the single topic cycles publish on.
const TopicNews = "news"

var ErrClosed = errors.New("live: publisher closed")

// Publisher delivers a payload to every listener of topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Envelope is the wire shape of every pushed message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(topic string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: topic, Data: payload})
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ClientEvent is the Data of live.connected / live.disconnected events.
type ClientEvent struct {
	ID      string
	Remote  string
	Clients int
	Reason  string
}
