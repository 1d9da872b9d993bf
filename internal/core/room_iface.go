package core

import "errors"

const DefaultChannelBuffer = 100

var ErrSubscriptionClosed = errors.New("subscription closed")

type SubscriberID string

// Message is one broadcast unit as seen by a subscriber.
type Message struct {
	From    SubscriberID
	Payload []byte
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
// Dropped counts buffered messages evicted from slow subscribers.
type PublishResult struct {
	SentTo  int
	Dropped int
}
