package transport

// The blocking record queues under a Conn hand Feed every record queued
// at that moment, so two multipart messages drained back-to-back arrive
// concatenated, and a Drain against a nearly-full queue may land one
// message across two Feeds. MessageReader restores message boundaries on
// the receive side: it buffers leftover frames and yields exactly one
// logical message per Next call.
//
// The coordinator→worker leg does not need one: a worker has at most one
// inbound message in flight at a time (a dispatch while idle, or a lock
// reply while blocked in a lock round-trip), so its raw Feed already
// returns whole messages.
type MessageReader struct {
	conn  Conn
	buf   Records
	split splitFunc
}

// splitFunc extracts one message from the head of buf. ok is false when
// buf does not yet hold a complete message; err reports an unrecoverable
// framing violation.
type splitFunc func(buf Records) (msg, rest Records, ok bool, err error)

// NewFrontendReader reads frontend-leg messages, which are always
// [addr][""][payload].
func NewFrontendReader(conn Conn) *MessageReader {
	return &MessageReader{conn: conn, split: splitFrontend}
}

// NewBackendReader reads worker→coordinator messages, whose length is
// determined by the leading action byte.
func NewBackendReader(conn Conn) *MessageReader {
	return &MessageReader{conn: conn, split: splitBackend}
}

// Next blocks until one complete message is available and returns it.
// A ProtocolError from Next is fatal to the caller's loop; any other
// error means the connection closed.
func (r *MessageReader) Next() (Records, error) {
	for {
		msg, rest, ok, err := r.split(r.buf)
		if err != nil {
			return nil, err
		}
		if ok {
			r.buf = rest
			return msg, nil
		}
		recs, err := r.conn.Feed()
		if err != nil {
			return nil, err
		}
		r.buf = append(r.buf, recs...)
	}
}

func splitFrontend(buf Records) (Records, Records, bool, error) {
	if len(buf) < 3 {
		return nil, buf, false, nil
	}
	if !isEmpty(buf[1]) {
		return nil, buf, false, newProtocolError("frontend: expected empty separator, got %q", buf[1])
	}
	return buf[:3], buf[3:], true, nil
}

func splitBackend(buf Records) (Records, Records, bool, error) {
	if len(buf) == 0 {
		return nil, buf, false, nil
	}
	if len(buf[0]) != 1 {
		return nil, buf, false, newProtocolError("action frame must be exactly one byte, got %d", len(buf[0]))
	}
	switch Action(buf[0][0]) {
	case ActionReady, ActionLockOk, ActionLockDenied:
		return buf[:1], buf[1:], true, nil
	case ActionResponse:
		if len(buf) < 5 {
			return nil, buf, false, nil
		}
		return buf[:5], buf[5:], true, nil
	case ActionIteratorLockReq:
		if len(buf) < 4 {
			return nil, buf, false, nil
		}
		return buf[:4], buf[4:], true, nil
	case ActionDatasetLockReq:
		// Frames alternate [""][name] until the [""][""] terminator.
		// Names are non-empty by assumption, so the first empty frame in
		// a name slot ends the message.
		for i := 1; i+1 < len(buf); i += 2 {
			if isEmpty(buf[i+1]) {
				return buf[:i+2], buf[i+2:], true, nil
			}
		}
		return nil, buf, false, nil
	default:
		return nil, buf, false, newProtocolError("unknown backend action %d", buf[0][0])
	}
}
