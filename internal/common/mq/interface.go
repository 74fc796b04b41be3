package mq

import (
	"context"
	"time"
)

// Producer publishes keyed messages. Messages sharing a key go to the same
// partition, so events of one submission stay ordered.
type Producer interface {
	Publish(ctx context.Context, topic string, messages ...Message) error
	Ping(ctx context.Context) error
	Close() error
}

// Message is one outbound event.
type Message struct {
	Key     string
	Body    []byte
	Headers map[string]string
	// Time defaults to the publish time.
	Time time.Time
}

// NewMessage creates a message stamped with the current time.
func NewMessage(key string, body []byte) Message {
	return Message{Key: key, Body: body, Time: time.Now()}
}

// WithHeader returns a copy of m with the header set. The original header
// map is not modified.
func (m Message) WithHeader(key, value string) Message {
	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[key] = value
	m.Headers = headers
	return m
}
