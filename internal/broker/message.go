package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Delivery is one consumed message. Exactly one of Ack or Nack must be
// called; the broker holds the message as in-flight until then.
type Delivery struct {
	Body        []byte
	MessageID   string
	Redelivered bool

	acked  bool
	nacked bool
	ack    func() error
	nack   func(requeue bool) error
}

// NewDelivery builds a Delivery with explicit ack hooks. Consumers in
// this package use newDelivery; this constructor exists for in-memory
// broker fakes.
func NewDelivery(body []byte, messageID string, redelivered bool, ack func() error, nack func(requeue bool) error) *Delivery {
	return &Delivery{
		Body:        body,
		MessageID:   messageID,
		Redelivered: redelivered,
		ack:         ack,
		nack:        nack,
	}
}

func newDelivery(d amqp.Delivery) *Delivery {
	return &Delivery{
		Body:        d.Body,
		MessageID:   d.MessageId,
		Redelivered: d.Redelivered,
		ack:         func() error { return d.Ack(false) },
		nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

// Ack marks the message as successfully processed (or as safely
// droppable: data errors are acked too so they don't loop forever).
func (m *Delivery) Ack() error {
	if m.acked {
		return fmt.Errorf("message already acknowledged")
	}
	if m.nacked {
		return fmt.Errorf("message already rejected")
	}
	m.acked = true
	return m.ack()
}

// Nack rejects the message. With requeue the broker redelivers it,
// which is the retry path for transient failures.
func (m *Delivery) Nack(requeue bool) error {
	if m.acked {
		return fmt.Errorf("message already acknowledged")
	}
	if m.nacked {
		return fmt.Errorf("message already rejected")
	}
	m.nacked = true
	return m.nack(requeue)
}
