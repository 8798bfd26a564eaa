package chat

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Handler processes one inbound event of an authenticated connection. It runs
// on the connection's reader, so events of one connection stay in order.
type Handler interface {
	Event() string
	Handle(ctx context.Context, c *Conn, data *structpb.Struct) error
}

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Event()] = h
	}
}

func (d *Dispatcher) GetHandler(event string) Handler {
	return d.handlers[event]
}

func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, event string, data *structpb.Struct) error {
	h, ok := d.handlers[event]
	if !ok {
		return fmt.Errorf("no handler for event=%s", event)
	}
	return h.Handle(ctx, c, data)
}
