package message

import (
	"encoding/json"
	"fmt"
)

// Payload is the GeWe callback body as delivered to the webhook.
type Payload struct {
	TypeName string      `json:"TypeName"`
	AppID    string      `json:"Appid"`
	Wxid     string      `json:"Wxid"`
	Data     PayloadData `json:"Data"`
}

// PayloadData is the message section of a callback.
type PayloadData struct {
	MsgType      int         `json:"MsgType"`
	FromUserName StringValue `json:"FromUserName"`
	ToUserName   StringValue `json:"ToUserName"`
	Content      StringValue `json:"Content"`
	CreateTime   int64       `json:"CreateTime"`
	ImgBuf       BufferValue `json:"ImgBuf"`
}

// StringValue wraps the {"string": "..."} shape GeWe uses for text fields.
type StringValue struct {
	String string `json:"string"`
}

// BufferValue wraps the {"buffer": "..."} shape used for binary sub-payloads.
type BufferValue struct {
	Buffer string `json:"buffer"`
}

// DecodePayload parses a raw callback body.
func DecodePayload(body []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, fmt.Errorf("decode callback payload: %w", err)
	}

	return payload, nil
}
