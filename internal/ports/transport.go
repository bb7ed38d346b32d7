package ports

import "context"

type Message struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

type Publisher interface {
	Publish(ctx context.Context, destination string, headers map[string]string, body []byte) error
}

// Transport is one connection to the message bus. Handlers registered with
// Subscribe are invoked sequentially per destination.
type Transport interface {
	Publisher
	Subscribe(destination string, handler func(Message)) error
	Unsubscribe(destination string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}
