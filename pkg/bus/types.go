package bus

import (
	"time"

	"wechatbot/pkg/message"
)

// InboundEvent is one decoded webhook callback waiting for dispatch.
type InboundEvent struct {
	ReceivedAt time.Time
	Payload    message.Payload
}
