package att

import (
	"github.com/blewire/bthost"
	"github.com/blewire/bthost/l2cap"
)

// fixedBearer frames client PDUs on the ATT fixed channel.
type fixedBearer struct {
	mux *l2cap.Mux
}

func (b fixedBearer) Send(payload []byte) error {
	return b.mux.SendFixed(bthost.CIDAtt, payload)
}

// NewFixedBearer returns a Bearer over CID 0x0004 of mux.
func NewFixedBearer(mux *l2cap.Mux) Bearer {
	return fixedBearer{mux: mux}
}

// Bind routes inbound ATT fixed-channel payloads into the client. Call once
// after NewClient; the registration lives as long as the mux.
func Bind(c *Client, mux *l2cap.Mux) {
	mux.RegisterFixed(bthost.CIDAtt, c.Recv)
}
