package stratum

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/bardlex/gominer/pkg/errors"
)

// Request ids used by the client. Replies are routed by these.
const (
	IDSubscribe = 1
	IDAuthorize = 2
	IDSubmit    = 4
)

// Method names
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// Message is one inbound JSON-RPC line. Error is kept raw because pools
// send it as [code, message, traceback], as an object or as a string.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  any    `json:"error,omitempty"`
}

// Request is one outbound JSON-RPC call. Params is always encoded, even
// when empty.
type Request struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// SubscribeResult is the decoded reply to mining.subscribe
type SubscribeResult struct {
	SessionID       string
	Extranonce1     []byte
	Extranonce2Size int
}

// NotifyParams is a decoded mining.notify
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// ParseMessage decodes one line. The returned message comes from a pool;
// release it with ReleaseMessage once handled.
func ParseMessage(data []byte) (*Message, error) {
	msg := acquireMessage()
	if err := unmarshalJSON(data, msg); err != nil {
		ReleaseMessage(msg)
		return nil, errors.Wrap(err, errors.KindProtocolParse, "parse_message", "invalid JSON")
	}
	return msg, nil
}

// MarshalRequest encodes req as one newline-terminated line
func MarshalRequest(req *Request) ([]byte, error) {
	data, err := marshalJSON(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// NewSubscribeRequest returns mining.subscribe with no parameters
func NewSubscribeRequest() *Request {
	return &Request{ID: IDSubscribe, Method: MethodSubscribe, Params: []any{}}
}

// NewAuthorizeRequest returns mining.authorize for username and password
func NewAuthorizeRequest(username, password string) *Request {
	return &Request{ID: IDAuthorize, Method: MethodAuthorize, Params: []any{username, password}}
}

// NewSubmitRequest returns mining.submit. All values except worker and
// jobID are lowercase hex.
func NewSubmitRequest(worker, jobID, extranonce2, ntime, nonce string) *Request {
	return &Request{ID: IDSubmit, Method: MethodSubmit, Params: []any{worker, jobID, extranonce2, ntime, nonce}}
}

// IsNotification reports whether m carries a method
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// IDString returns the reply id as text, "" when absent. Numeric ids are
// rendered without a fraction so 1 and "1" route the same way.
func (m *Message) IDString() string {
	switch id := m.ID.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(id, 10)
	case int:
		return strconv.Itoa(id)
	default:
		return fmt.Sprint(id)
	}
}

// ParseNotify decodes the nine mining.notify parameters
func ParseNotify(params []any) (*NotifyParams, error) {
	if len(params) < 9 {
		return nil, errors.New(errors.KindProtocolParse, "parse_notify", "insufficient parameters").
			With("count", len(params))
	}

	var n NotifyParams
	strs := []*string{&n.JobID, &n.PrevHash, &n.Coinb1, &n.Coinb2}
	for i, dst := range strs {
		s, ok := params[i].(string)
		if !ok {
			return nil, paramError("parse_notify", i, "string")
		}
		*dst = s
	}

	branch, ok := params[4].([]any)
	if !ok && params[4] != nil {
		return nil, paramError("parse_notify", 4, "array")
	}
	n.MerkleBranch = make([]string, 0, len(branch))
	for _, b := range branch {
		s, ok := b.(string)
		if !ok {
			return nil, paramError("parse_notify", 4, "array of strings")
		}
		n.MerkleBranch = append(n.MerkleBranch, s)
	}

	strs = []*string{&n.Version, &n.NBits, &n.NTime}
	for i, dst := range strs {
		s, ok := params[5+i].(string)
		if !ok {
			return nil, paramError("parse_notify", 5+i, "string")
		}
		*dst = s
	}

	if n.CleanJobs, ok = params[8].(bool); !ok {
		return nil, paramError("parse_notify", 8, "bool")
	}
	return &n, nil
}

// ParseSetDifficulty decodes mining.set_difficulty
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) != 1 {
		return 0, errors.New(errors.KindProtocolParse, "parse_set_difficulty", "expected one parameter").
			With("count", len(params))
	}
	d, ok := number(params[0])
	if !ok {
		return 0, paramError("parse_set_difficulty", 0, "number")
	}
	return d, nil
}

// ParseSubscribeResult decodes [subscriptions, extranonce1, extranonce2_size].
// Subscriptions may be a list of [method, id] pairs or a single pair; the
// session id is the id of the first pair.
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	fields, ok := result.([]any)
	if !ok || len(fields) < 3 {
		return nil, errors.New(errors.KindProtocolParse, "parse_subscribe", "result must be a three element array")
	}

	var r SubscribeResult
	if subs, ok := fields[0].([]any); ok && len(subs) > 0 {
		pair := subs
		if nested, ok := subs[0].([]any); ok {
			pair = nested
		}
		if len(pair) > 1 {
			r.SessionID, _ = pair[1].(string)
		}
	}

	en1, ok := fields[1].(string)
	if !ok {
		return nil, paramError("parse_subscribe", 1, "string")
	}
	b, err := hex.DecodeString(en1)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindProtocolParse, "parse_subscribe", "invalid extranonce1")
	}
	r.Extranonce1 = b

	size, ok := number(fields[2])
	if !ok || size < 0 || size > 32 {
		return nil, paramError("parse_subscribe", 2, "extranonce2 size between 0 and 32")
	}
	r.Extranonce2Size = int(size)
	return &r, nil
}

// ParseSubmitResult reports whether a mining.submit reply accepted the
// share. Anything but a null error with a true result is a rejection.
func ParseSubmitResult(result, rpcErr any) (accepted bool, reason string) {
	if rpcErr != nil {
		return false, ErrorReason(rpcErr)
	}
	if ok, isBool := result.(bool); isBool && ok {
		return true, ""
	}
	return false, "rejected"
}

// ErrorReason renders a JSON-RPC error value
func ErrorReason(rpcErr any) string {
	switch e := rpcErr.(type) {
	case nil:
		return ""
	case string:
		return e
	case []any:
		var code float64
		var msg string
		if len(e) > 0 {
			code, _ = number(e[0])
		}
		if len(e) > 1 {
			msg, _ = e[1].(string)
		}
		return describeError(int(code), msg)
	case map[string]any:
		code, _ := number(e["code"])
		msg, _ := e["message"].(string)
		return describeError(int(code), msg)
	default:
		return fmt.Sprint(e)
	}
}

func describeError(code int, msg string) string {
	if msg == "" {
		switch code {
		case ErrorJobNotFound:
			msg = "job not found"
		case ErrorDuplicateShare:
			msg = "duplicate share"
		case ErrorLowDifficulty:
			msg = "low difficulty share"
		case ErrorUnauthorized:
			msg = "unauthorized worker"
		case ErrorNotSubscribed:
			msg = "not subscribed"
		default:
			msg = "other"
		}
	}
	if code == 0 {
		return msg
	}
	return fmt.Sprintf("%s (%d)", msg, code)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func paramError(op string, index int, want string) error {
	return errors.New(errors.KindProtocolParse, op, "invalid parameter").
		With("index", index).With("want", want)
}
