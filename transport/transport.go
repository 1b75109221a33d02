// Package transport implements the coordinator-worker wire framing
// discipline: multi-frame messages carrying a zero-length separator
// between logical fields, exactly as a ZeroMQ ROUTER/DEALER exchange
// would. The bits-on-wire transport itself stays external; FrontendSocket
// and BackendSocket are the extension points a real TCP/ZeroMQ binding
// would satisfy. The implementation shipped in this package carries the
// same Records over an in-process toyqueue.FeedDrainCloser pair.
package transport

import (
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/pkg/errors"
)

// Records is one multipart message: a sequence of frames, the same shape
// toyqueue already models a ZMQ multipart message as.
type Records = toyqueue.Records

// Conn is the duplex, blocking record channel one worker or one logical
// client connection speaks over. FrontendSocket and BackendSocket are
// named aliases for the same shape, documenting which leg of the
// protocol a given Conn plays.
type Conn = toyqueue.FeedDrainCloser

// FrontendSocket is the client-facing extension point: receive
// [client-addr][""][request] and send [client-addr][""][reply]. Swapping
// the in-process implementation for a real ZeroMQ ROUTER socket means
// satisfying this interface.
type FrontendSocket = Conn

// BackendSocket is the worker-facing extension point. Every backend
// payload travels over one BackendSocket per worker; a real
// ROUTER/DEALER binding would multiplex many such sockets behind one
// [worker-id]-prefixed wire connection, but in-process each worker
// already owns its own private, already-demultiplexed channel pair, so
// the worker-id prefix is implicit here rather than a literal frame.
type BackendSocket = Conn

// Action tags the first frame of a backend message, serialized as a
// single fixed-width byte.
type Action byte

const (
	ActionReady Action = iota
	ActionResponse
	ActionDatasetLockReq
	ActionIteratorLockReq
	ActionLockOk
	ActionLockDenied
)

func (a Action) String() string {
	switch a {
	case ActionReady:
		return "ready"
	case ActionResponse:
		return "response"
	case ActionDatasetLockReq:
		return "dataset_lock_req"
	case ActionIteratorLockReq:
		return "iterator_lock_req"
	case ActionLockOk:
		return "lock_ok"
	case ActionLockDenied:
		return "lock_denied"
	default:
		return "unknown"
	}
}

// ProtocolError is the one fatal error class in the whole exchange:
// an unexpected non-empty frame where an empty separator was required, or
// an unrecognized action byte. Receiving one terminates the coordinator's
// event loop; a worker that detects one terminates itself. This signals a
// bug in the counterpart, never a user error, so it is never converted to
// an error Response.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "transport: protocol violation: " + e.Msg }

func newProtocolError(format string, args ...any) error {
	return &ProtocolError{Msg: errors.Errorf(format, args...).Error()}
}

// IsProtocolError reports whether err (or anything it wraps) is a
// ProtocolError, used by the coordinator and worker to decide whether to
// terminate rather than continue their loop.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func empty() []byte         { return []byte{} }
func isEmpty(b []byte) bool { return len(b) == 0 }

// Ready builds the worker→coordinator "I'm idle" frame.
func Ready() Records {
	return Records{{byte(ActionReady)}}
}

// Response builds the worker→coordinator reply frame:
// [Response][""][client-addr][""][reply].
func Response(clientAddr, reply string) Records {
	return Records{{byte(ActionResponse)}, empty(), []byte(clientAddr), empty(), []byte(reply)}
}

// DatasetLockReq builds a worker→coordinator multi-name dataset lock
// request, terminated by an extra empty frame:
// [DatasetLockReq][""][name1][""][name2]…[""][""].
func DatasetLockReq(names []string) Records {
	recs := Records{{byte(ActionDatasetLockReq)}}
	for _, n := range names {
		recs = append(recs, empty(), []byte(n))
	}
	recs = append(recs, empty(), empty())
	return recs
}

// IteratorLockReq builds a worker→coordinator single-name iterator lock
// request: [IteratorLockReq][""][name][""].
func IteratorLockReq(name string) Records {
	return Records{{byte(ActionIteratorLockReq)}, empty(), []byte(name), empty()}
}

// LockReply builds the coordinator→worker lock grant/deny reply.
func LockReply(ok bool) Records {
	action := ActionLockDenied
	if ok {
		action = ActionLockOk
	}
	return Records{{byte(action)}}
}

// Dispatch builds the coordinator→worker request-forwarding frame, and
// doubles as the client→coordinator request frame on the frontend leg:
// [client-addr][""][request].
func Dispatch(clientAddr, request string) Records {
	return Records{[]byte(clientAddr), empty(), []byte(request)}
}

// Reply builds the coordinator→client reply frame on the frontend leg:
// [client-addr][""][reply].
func Reply(clientAddr, reply string) Records {
	return Records{[]byte(clientAddr), empty(), []byte(reply)}
}

// ParseAction reads the action byte off the head of a backend message.
func ParseAction(recs Records) (Action, Records, error) {
	if len(recs) == 0 {
		return 0, nil, newProtocolError("empty message")
	}
	if len(recs[0]) != 1 {
		return 0, nil, newProtocolError("action frame must be exactly one byte, got %d", len(recs[0]))
	}
	return Action(recs[0][0]), recs[1:], nil
}

// ParseResponse decodes the frames following a Response action:
// [""][client-addr][""][reply].
func ParseResponse(rest Records) (clientAddr, reply string, err error) {
	if len(rest) != 4 {
		return "", "", newProtocolError("response: expected 4 frames after action, got %d", len(rest))
	}
	if !isEmpty(rest[0]) {
		return "", "", newProtocolError("response: expected empty separator, got %q", rest[0])
	}
	if !isEmpty(rest[2]) {
		return "", "", newProtocolError("response: expected empty separator, got %q", rest[2])
	}
	return string(rest[1]), string(rest[3]), nil
}

// ParseDatasetLockReq decodes the name list following a DatasetLockReq
// action, terminated by two consecutive empty frames. Names themselves
// are assumed non-empty; the command parser has already rejected an
// empty identifier long before it could reach a lock request.
func ParseDatasetLockReq(rest Records) ([]string, error) {
	var names []string
	i := 0
	for i < len(rest) {
		if !isEmpty(rest[i]) {
			return nil, newProtocolError("dataset lock req: expected separator frame at %d", i)
		}
		i++
		if i >= len(rest) {
			return nil, newProtocolError("dataset lock req: truncated, missing terminator")
		}
		if isEmpty(rest[i]) {
			return names, nil
		}
		names = append(names, string(rest[i]))
		i++
	}
	return nil, newProtocolError("dataset lock req: missing terminator")
}

// ParseIteratorLockReq decodes [""][name][""].
func ParseIteratorLockReq(rest Records) (string, error) {
	if len(rest) != 3 {
		return "", newProtocolError("iterator lock req: expected 3 frames after action, got %d", len(rest))
	}
	if !isEmpty(rest[0]) {
		return "", newProtocolError("iterator lock req: expected empty separator, got %q", rest[0])
	}
	if !isEmpty(rest[2]) {
		return "", newProtocolError("iterator lock req: expected empty separator, got %q", rest[2])
	}
	return string(rest[1]), nil
}

// ParseDispatch decodes [client-addr][""][request], used on both the
// frontend leg and the coordinator→worker dispatch frame.
func ParseDispatch(recs Records) (clientAddr, request string, err error) {
	if len(recs) != 3 {
		return "", "", newProtocolError("dispatch: expected 3 frames, got %d", len(recs))
	}
	if !isEmpty(recs[1]) {
		return "", "", newProtocolError("dispatch: expected empty separator, got %q", recs[1])
	}
	return string(recs[0]), string(recs[2]), nil
}

// ParseReply decodes [client-addr][""][reply] on the frontend leg.
func ParseReply(recs Records) (clientAddr, reply string, err error) {
	return ParseDispatch(recs)
}

// ParseLockReply decodes a coordinator→worker LockOk/LockDenied frame.
func ParseLockReply(recs Records) (bool, error) {
	action, _, err := ParseAction(recs)
	if err != nil {
		return false, err
	}
	switch action {
	case ActionLockOk:
		return true, nil
	case ActionLockDenied:
		return false, nil
	default:
		return false, newProtocolError("lock reply: unexpected action %v", action)
	}
}
