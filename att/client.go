package att

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/blewire/bthost"
)

const (
	// DefaultMTU is the ATT_MTU every LE link starts with.
	DefaultMTU = 23
	// MaxMTU caps what we offer in an MTU exchange.
	MaxMTU = 517

	rspTimeout = 30 * time.Second
)

// Bearer moves one ATT PDU toward the peer on the fixed channel of a link.
type Bearer interface {
	Send(payload []byte) error
}

// NotificationHandler receives server-initiated value notifications and
// indications. Confirmations for indications are sent by the client itself.
type NotificationHandler func(handle uint16, value []byte, indication bool)

// Client runs the sequential ATT request/response protocol over one bearer.
// Requests block the calling goroutine; at most one is in flight, serialized
// by the transmit-buffer token. Recv must be fed from the stack handler.
type Client struct {
	bearer  Bearer
	log     bthost.Logger
	handler NotificationHandler

	rspc  chan []byte
	chErr chan error

	// chTxBuf holds the single transmit buffer; possession of it is the
	// right to have a request outstanding.
	chTxBuf chan []byte
	txMTU   int
}

// NewClient returns an Attribute Protocol client over b.
func NewClient(b Bearer, h NotificationHandler, log bthost.Logger) *Client {
	c := &Client{
		bearer:  b,
		log:     log.ChildLogger(map[string]interface{}{"pkg": "att"}),
		handler: h,
		rspc:    make(chan []byte, 4),
		chErr:   make(chan error, 1),
		chTxBuf: make(chan []byte, 1),
		txMTU:   DefaultMTU,
	}
	c.chTxBuf <- make([]byte, DefaultMTU)
	return c
}

// Recv accepts one inbound ATT PDU. It never blocks; a response arriving
// with no request outstanding and a full queue is dropped.
func (c *Client) Recv(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	switch pdu[0] {
	case HandleValueNotificationCode, HandleValueIndicationCode:
		if len(pdu) < 3 {
			c.log.Warnf("att: short value notification")
			return
		}
		handle := binary.LittleEndian.Uint16(pdu[1:3])
		value := append([]byte(nil), pdu[3:]...)
		ind := pdu[0] == HandleValueIndicationCode
		if ind {
			// confirm even if nobody is listening
			if err := c.bearer.Send([]byte{HandleValueConfirmationCode}); err != nil {
				c.log.Warnf("att: confirmation: %v", err)
			}
		}
		if c.handler != nil {
			go c.handler(handle, value, ind)
		}
	default:
		dup := append([]byte(nil), pdu...)
		select {
		case c.rspc <- dup:
		default:
			c.log.Warnf("att: dropped pdu 0x%02x", pdu[0])
		}
	}
}

// CloseWithError fails the outstanding request, if any, and every one after
// it. Called when the bearer's link goes away.
func (c *Client) CloseWithError(err error) {
	select {
	case c.chErr <- err:
	default:
	}
}

// MTU returns the negotiated ATT_MTU.
func (c *Client) MTU() int {
	txBuf := <-c.chTxBuf
	mtu := c.txMTU
	c.chTxBuf <- txBuf
	return mtu
}

// ExchangeMTU offers clientRxMTU and returns the MTU both sides agreed on.
// [Vol 3, Part F, 3.4.2.1]
func (c *Client) ExchangeMTU(clientRxMTU int) (int, error) {
	if clientRxMTU < DefaultMTU || clientRxMTU > MaxMTU {
		return 0, bthost.ErrInvalidArgument
	}

	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:3]
	req[0] = ExchangeMTURequestCode
	binary.LittleEndian.PutUint16(req[1:3], uint16(clientRxMTU))

	rsp, err := c.sendReq(req)
	if err != nil {
		return 0, err
	}
	if err := checkRsp(rsp, ExchangeMTUResponseCode, 3); err != nil {
		return 0, err
	}

	mtu := int(binary.LittleEndian.Uint16(rsp[1:3]))
	if mtu > clientRxMTU {
		mtu = clientRxMTU
	}
	c.txMTU = mtu
	if len(txBuf) != mtu {
		// deferred release captures the variable, not the old buffer
		txBuf = make([]byte, mtu)
	}
	return mtu, nil
}

// FindInformation lists handle/type pairs in the given range.
// [Vol 3, Part F, 3.4.3.1]
func (c *Client) FindInformation(starth, endh uint16) (int, []byte, error) {
	if starth == 0 || starth > endh {
		return 0, nil, bthost.ErrInvalidArgument
	}

	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:5]
	req[0] = FindInformationRequestCode
	binary.LittleEndian.PutUint16(req[1:3], starth)
	binary.LittleEndian.PutUint16(req[3:5], endh)

	rsp, err := c.sendReq(req)
	if err != nil {
		return 0, nil, err
	}
	if err := checkRsp(rsp, FindInformationResponseCode, 6); err != nil {
		return 0, nil, err
	}

	r := FindInformationResponse(rsp)
	switch {
	case r.Format() == FormatUUID16 && len(r.InformationData())%4 != 0:
		return 0, nil, bthost.ErrInvalidResponse
	case r.Format() == FormatUUID128 && len(r.InformationData())%18 != 0:
		return 0, nil, bthost.ErrInvalidResponse
	}
	return r.Format(), append([]byte(nil), r.InformationData()...), nil
}

// ReadByType reads attributes of a known type in a handle range.
// [Vol 3, Part F, 3.4.4.1]
func (c *Client) ReadByType(starth, endh uint16, uuid bthost.UUID) (int, []byte, error) {
	if starth == 0 || starth > endh || (len(uuid) != 2 && len(uuid) != 16) {
		return 0, nil, bthost.ErrInvalidArgument
	}

	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:5+len(uuid)]
	req[0] = ReadByTypeRequestCode
	binary.LittleEndian.PutUint16(req[1:3], starth)
	binary.LittleEndian.PutUint16(req[3:5], endh)
	copy(req[5:], uuid)

	rsp, err := c.sendReq(req)
	if err != nil {
		return 0, nil, err
	}
	if err := checkRsp(rsp, ReadByTypeResponseCode, 4); err != nil {
		return 0, nil, err
	}

	r := ReadByTypeResponse(rsp)
	if r.Length() == 0 || len(r.AttributeDataList())%r.Length() != 0 {
		return 0, nil, bthost.ErrInvalidResponse
	}
	return r.Length(), append([]byte(nil), r.AttributeDataList()...), nil
}

// ReadByGroupType reads grouping attributes of a known type, with their
// group end handles. [Vol 3, Part F, 3.4.4.9]
func (c *Client) ReadByGroupType(starth, endh uint16, uuid bthost.UUID) (int, []byte, error) {
	if starth == 0 || starth > endh || (len(uuid) != 2 && len(uuid) != 16) {
		return 0, nil, bthost.ErrInvalidArgument
	}

	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:5+len(uuid)]
	req[0] = ReadByGroupTypeRequestCode
	binary.LittleEndian.PutUint16(req[1:3], starth)
	binary.LittleEndian.PutUint16(req[3:5], endh)
	copy(req[5:], uuid)

	rsp, err := c.sendReq(req)
	if err != nil {
		return 0, nil, err
	}
	if err := checkRsp(rsp, ReadByGroupTypeResponseCode, 4); err != nil {
		return 0, nil, err
	}

	r := ReadByGroupTypeResponse(rsp)
	if r.Length() == 0 || len(r.AttributeDataList())%r.Length() != 0 {
		return 0, nil, bthost.ErrInvalidResponse
	}
	return r.Length(), append([]byte(nil), r.AttributeDataList()...), nil
}

// Read reads the value of one attribute. [Vol 3, Part F, 3.4.4.3]
func (c *Client) Read(handle uint16) ([]byte, error) {
	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:3]
	req[0] = ReadRequestCode
	binary.LittleEndian.PutUint16(req[1:3], handle)

	rsp, err := c.sendReq(req)
	if err != nil {
		return nil, err
	}
	if err := checkRsp(rsp, ReadResponseCode, 1); err != nil {
		return nil, err
	}
	return append([]byte(nil), rsp[1:]...), nil
}

// ReadBlob reads part of an attribute value at an offset.
// [Vol 3, Part F, 3.4.4.5]
func (c *Client) ReadBlob(handle, offset uint16) ([]byte, error) {
	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	req := txBuf[:5]
	req[0] = ReadBlobRequestCode
	binary.LittleEndian.PutUint16(req[1:3], handle)
	binary.LittleEndian.PutUint16(req[3:5], offset)

	rsp, err := c.sendReq(req)
	if err != nil {
		return nil, err
	}
	if err := checkRsp(rsp, ReadBlobResponseCode, 1); err != nil {
		return nil, err
	}
	return append([]byte(nil), rsp[1:]...), nil
}

// ReadMultiple reads two or more fixed-size attribute values in one round
// trip. [Vol 3, Part F, 3.4.4.7]
func (c *Client) ReadMultiple(handles []uint16) ([]byte, error) {
	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	if len(handles) < 2 || len(handles)*2 > c.txMTU-1 {
		return nil, bthost.ErrInvalidArgument
	}

	req := txBuf[:1+len(handles)*2]
	req[0] = ReadMultipleRequestCode
	for i, h := range handles {
		binary.LittleEndian.PutUint16(req[1+i*2:], h)
	}

	rsp, err := c.sendReq(req)
	if err != nil {
		return nil, err
	}
	if err := checkRsp(rsp, ReadMultipleResponseCode, 1); err != nil {
		return nil, err
	}
	return append([]byte(nil), rsp[1:]...), nil
}

// Write writes one attribute value and waits for the acknowledgement.
// [Vol 3, Part F, 3.4.5.1]
func (c *Client) Write(handle uint16, value []byte) error {
	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	if len(value) > c.txMTU-3 {
		return bthost.ErrInvalidArgument
	}

	req := txBuf[:3+len(value)]
	req[0] = WriteRequestCode
	binary.LittleEndian.PutUint16(req[1:3], handle)
	copy(req[3:], value)

	rsp, err := c.sendReq(req)
	if err != nil {
		return err
	}
	return checkRsp(rsp, WriteResponseCode, 1)
}

// WriteCommand writes without acknowledgement. [Vol 3, Part F, 3.4.5.3]
func (c *Client) WriteCommand(handle uint16, value []byte) error {
	txBuf := <-c.chTxBuf
	defer func() { c.chTxBuf <- txBuf }()

	if len(value) > c.txMTU-3 {
		return bthost.ErrInvalidArgument
	}

	req := txBuf[:3+len(value)]
	req[0] = WriteCommandCode
	binary.LittleEndian.PutUint16(req[1:3], handle)
	copy(req[3:], value)
	return c.bearer.Send(req)
}

// checkRsp validates the common shape of a response: an Error Response maps
// to its typed code, anything else must carry the expected opcode and
// minimum length.
func checkRsp(rsp []byte, opcode byte, minLen int) error {
	switch {
	case rsp[0] == ErrorResponseCode && len(rsp) == 5:
		return ErrorResponse(rsp).ErrorCode()
	case rsp[0] != opcode, len(rsp) < minLen:
		return bthost.ErrInvalidResponse
	}
	return nil
}

func (c *Client) sendReq(req []byte) ([]byte, error) {
	if err := c.bearer.Send(req); err != nil {
		return nil, errors.Wrap(err, "send att request")
	}
	for {
		select {
		case rsp := <-c.rspc:
			if len(rsp) > 0 && (rsp[0] == ErrorResponseCode || rsp[0] == rspOfReq[req[0]]) {
				return rsp, nil
			}
			// a peer acting as client sent us a request; refuse it and
			// keep waiting for our response
			if err := c.bearer.Send(newErrorResponse(rsp[0], 0x0000, ErrReqNotSupp)); err != nil {
				return nil, errors.Wrap(err, "refuse peer request")
			}
		case err := <-c.chErr:
			return nil, errors.Wrap(err, "att bearer")
		case <-time.After(rspTimeout):
			return nil, errors.Wrap(bthost.ErrTransactionTimeout, "att request")
		}
	}
}
