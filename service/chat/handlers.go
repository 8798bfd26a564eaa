package chat

import (
	"context"

	"PPRelay/module/message"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultHandlers wires the relay events to router.
func DefaultHandlers(router *message.Router) []Handler {
	return []Handler{
		&SendHandler{router: router},
		&MarkReadHandler{router: router},
		&TypingHandler{router: router, start: true},
		&TypingHandler{router: router, start: false},
	}
}

type SendHandler struct {
	router *message.Router
}

func (h *SendHandler) Event() string { return message.EventMessage }

func (h *SendHandler) Handle(ctx context.Context, c *Conn, data *structpb.Struct) error {
	req, err := DecodeData[message.SendRequest](data)
	if err != nil {
		return err
	}
	out := h.router.Send(ctx, c, *req)
	c.log.Debug("send routed", zap.Int64("to", req.To), zap.Stringer("outcome", out))
	return nil
}

type MarkReadHandler struct {
	router *message.Router
}

func (h *MarkReadHandler) Event() string { return message.EventMarkRead }

func (h *MarkReadHandler) Handle(ctx context.Context, c *Conn, data *structpb.Struct) error {
	req, err := DecodeData[message.MarkReadRequest](data)
	if err != nil {
		return err
	}
	h.router.MarkRead(ctx, c, *req)
	return nil
}

type TypingHandler struct {
	router *message.Router
	start  bool
}

func (h *TypingHandler) Event() string {
	if h.start {
		return message.EventTypingStart
	}
	return message.EventTypingStop
}

func (h *TypingHandler) Handle(_ context.Context, c *Conn, data *structpb.Struct) error {
	req, err := DecodeData[message.TypingRequest](data)
	if err != nil {
		return err
	}
	h.router.Typing(c, *req, h.start)
	return nil
}
