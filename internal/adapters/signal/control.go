package signal

import (
	"time"

	"github.com/dkeye/FindIt/internal/core"
)

// pongHandler extends the read deadline and the session mirror on every pong.
func (ctl *SignalWSController) pongHandler(cid core.ConnID, c *WsSignalConn) func(string) error {
	return func(string) error {
		ctl.Relay.Touch(cid)
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	}
}
