package liveserver

import "encoding/json"

// Message represents an outbound WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewMessage creates a Message
func NewMessage(msgType string, data interface{}) Message {
	return Message{
		Type: msgType,
		Data: data,
	}
}

// command is an inbound control frame. Fields beyond Type are populated per
// command type; unknown or malformed frames are dropped.
type command struct {
	Type     string          `json:"type"`
	Pct      json.RawMessage `json:"pct,omitempty"`
	Leverage json.RawMessage `json:"leverage,omitempty"`
	Side     string          `json:"side,omitempty"`
	Mode     string          `json:"mode,omitempty"`
}

// Inbound command types
const (
	CmdSetMargin     = "setMargin"
	CmdSetLeverage   = "setLeverage"
	CmdSetMode       = "setMode"
	CmdStartAuto     = "startAuto"
	CmdClosePosition = "closePosition"
	CmdStartAutoReal = "startAutoReal"
	CmdCloseReal     = "closeReal"
)
