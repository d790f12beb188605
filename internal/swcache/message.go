package swcache

import "context"

const (
	MessageSkipWaiting    = "SKIP_WAITING"
	MessageSkipWaitingAck = "SKIP_WAITING_ACK"
	MessageGetVersion     = "GET_VERSION"
	MessageVersion        = "VERSION"
)

// Message is the payload exchanged between clients and the controller.
type Message struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	State   State  `json:"state,omitempty"`
}

// ReplyPort is the channel a client supplies to receive a reply.
type ReplyPort interface {
	PostMessage(ctx context.Context, m Message) error
}

// ChanPort is a ReplyPort backed by a channel. PostMessage blocks until the
// reply is received or ctx is done.
type ChanPort chan Message

func (p ChanPort) PostMessage(ctx context.Context, m Message) error {
	select {
	case p <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
