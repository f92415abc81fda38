package mq

import "context"

// MessageQueue carries maintenance jobs (tombstone purges, account
// erasure) to the background consumer. Bodies are JSON job envelopes;
// a received message stays invisible for visibilityTimeout seconds and
// is redelivered unless Delete is called, so job handlers must be
// idempotent.
type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

// Message.Id holds whatever handle the backend needs to delete the
// message; for SQS that is the receipt handle.
type Message struct {
	Id   string
	Body string
}
