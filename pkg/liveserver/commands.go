package liveserver

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"livetrader/internal/core"
)

// commandHandlers is the single dispatch table for inbound control frames.
// Every command routes through here; there is exactly one handler per type.
var commandHandlers = map[string]func(s *Server, client *Client, cmd command){
	CmdSetMargin:     handleSetMargin,
	CmdSetLeverage:   handleSetLeverage,
	CmdSetMode:       handleSetMode,
	CmdStartAuto:     handleStartAuto,
	CmdClosePosition: handleClosePosition,
	CmdStartAutoReal: handleStartAutoReal,
	CmdCloseReal:     handleCloseReal,
}

// dispatch parses a raw control frame and routes it. Malformed or unknown
// frames are dropped without a reply.
func (s *Server) dispatch(client *Client, raw []byte) {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}

	handler, ok := commandHandlers[cmd.Type]
	if !ok {
		return
	}
	handler(s, client, cmd)
}

// clientReply wraps a client's direct send as the engine's reply callback
func clientReply(client *Client) core.ReplyFunc {
	return func(eventType string, data interface{}) {
		client.Send(Message{Type: eventType, Data: data})
	}
}

func handleSetMargin(s *Server, _ *Client, cmd command) {
	pct, ok := decodeDecimal(cmd.Pct)
	if !ok {
		return
	}
	s.engine.SetMargin(pct)
}

func handleSetLeverage(s *Server, _ *Client, cmd command) {
	lev, ok := decodeDecimal(cmd.Leverage)
	if !ok {
		return
	}
	s.engine.SetLeverage(int(lev.IntPart()))
}

func handleSetMode(s *Server, client *Client, cmd command) {
	if err := s.engine.SetMode(core.Mode(cmd.Mode)); err != nil {
		client.Send(Message{Type: core.EventOrderError, Data: core.OrderErrorEvent{Error: err.Error()}})
	}
}

func handleStartAuto(s *Server, _ *Client, cmd command) {
	// A rejected open is a no-op; the client's view stays consistent with
	// the unchanged state.
	_ = s.engine.OpenSimulated(core.ParseSide(cmd.Side))
}

func handleClosePosition(s *Server, _ *Client, _ command) {
	_ = s.engine.CloseSimulated()
}

func handleStartAutoReal(s *Server, client *Client, cmd command) {
	s.engine.OpenReal(core.ParseSide(cmd.Side), clientReply(client))
}

func handleCloseReal(s *Server, client *Client, _ command) {
	s.engine.CloseReal(clientReply(client))
}

// decodeDecimal accepts both a JSON number and a numeric string
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}

	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return decimal.Zero, false
		}
		num = json.Number(str)
	}

	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
