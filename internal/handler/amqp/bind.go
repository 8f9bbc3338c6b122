package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// DomainHandler is the business side of a consumer: it receives the decoded
// payload together with the routing key the message arrived with.
type DomainHandler[T any] func(ctx context.Context, routingKey string, payload *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to an ingress handler: panic recovery, decoding and
// the ack policy for poison messages.
func Bind[T any](i *Ingress, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY]
		defer func() {
			if r := recover(); r != nil {
				i.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = nil
			}
		}()

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			i.logger.Warn("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: a payload that never decodes must not loop.
		}

		// NACK on error: the retry policy decides.
		return fn(msg.Context(), routingKey(msg), payload)
	}
}

func routingKey(msg *message.Message) string {
	if rk := msg.Metadata.Get("x-routing-key"); rk != "" {
		return rk
	}
	return msg.Metadata.Get("routing_key")
}

// resolveUserID finds the first UUID segment of a dotted routing key,
// e.g. realtime.<domain>.<user_id>.user.notify.v1.
func resolveUserID(rk string) (uuid.UUID, bool) {
	for part := range strings.SplitSeq(rk, ".") {
		if uid, err := uuid.Parse(part); err == nil {
			return uid, true
		}
	}
	return uuid.Nil, false
}
