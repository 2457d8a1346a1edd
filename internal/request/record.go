// Package request implements the Policy Request Record (PRR): the parsed,
// per-message representation of one framed line from the MTA.
//
// Parsing is lazy and memoized, the way the original Python
// PostfixPolicyRequest did with __getattr__: the first lookup of a key
// scans the payload once, subsequent lookups are O(1). A Record is built
// once per request and is not safe for concurrent use, matching its
// single-goroutine lifetime in the connection loop.
package request

import (
	"strconv"
	"strings"

	"github.com/easydns/chapps/internal/chappserrors"
)

// Record is the parsed, keyed view of one MTA policy request frame.
type Record struct {
	payload []string // non-empty "key=value" lines, in frame order

	memo         map[string]string
	materialized bool

	recipients    []string
	recipientsSet bool
}

// Parse decodes one frame into a Record. frame is expected to end with the
// two-newline terminator; per the wire contract, the last two bytes of the
// frame are discarded before splitting the remainder into lines.
func Parse(frame []byte) (*Record, error) {
	if len(frame) < 2 {
		return nil, chappserrors.ErrMalformedFrame
	}

	body := frame[:len(frame)-2]
	lines := strings.Split(string(body), "\n")

	payload := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			payload = append(payload, l)
		}
	}

	return &Record{payload: payload}, nil
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

// Get returns the value bound to key, scanning the payload on first access
// and memoizing the result. Missing keys yield "", never an error.
func (r *Record) Get(key string) string {
	if r.memo == nil {
		r.memo = map[string]string{}
	}
	if v, ok := r.memo[key]; ok {
		return v
	}
	for _, line := range r.payload {
		k, v, ok := splitKV(line)
		if ok && k == key {
			r.memo[key] = v
			return v
		}
	}
	r.memo[key] = ""
	return ""
}

// materialize scans every line once, so iteration and length don't need to
// repeat the per-key scan.
func (r *Record) materialize() map[string]string {
	if r.memo == nil {
		r.memo = map[string]string{}
	}
	if r.materialized {
		return r.memo
	}
	for _, line := range r.payload {
		if k, v, ok := splitKV(line); ok {
			r.memo[k] = v
		}
	}
	r.materialized = true
	return r.memo
}

// Each calls fn for every (key, value) pair in the request. Order is not
// guaranteed to match the wire order.
func (r *Record) Each(fn func(key, value string)) {
	for k, v := range r.materialize() {
		fn(k, v)
	}
}

// Len returns the number of key/value lines in the frame.
func (r *Record) Len() int {
	return len(r.payload)
}

// Key identifies a Record for memoization and instance-cache purposes.
// Two records are equal iff (Instance, QueueID) match.
type Key struct {
	Instance string
	QueueID  string
}

// Key returns the (instance, queue_id) identity of this record.
func (r *Record) Key() Key {
	return Key{Instance: r.Instance(), QueueID: r.QueueID()}
}

// Named accessors for the fields the core cares about (§3).
func (r *Record) Instance() string           { return r.Get("instance") }
func (r *Record) QueueID() string            { return r.Get("queue_id") }
func (r *Record) ProtocolState() string      { return r.Get("protocol_state") }
func (r *Record) ProtocolName() string       { return r.Get("protocol_name") }
func (r *Record) HeloName() string           { return r.Get("helo_name") }
func (r *Record) ClientAddress() string      { return r.Get("client_address") }
func (r *Record) ClientName() string         { return r.Get("client_name") }
func (r *Record) ReverseClientName() string  { return r.Get("reverse_client_name") }
func (r *Record) Sender() string             { return r.Get("sender") }
func (r *Record) Recipient() string          { return r.Get("recipient") }
func (r *Record) SaslUsername() string       { return r.Get("sasl_username") }
func (r *Record) CcertSubject() string       { return r.Get("ccert_subject") }

// RecipientCount returns the "recipient_count" field, or 0 if absent or
// unparseable.
func (r *Record) RecipientCount() int {
	n, _ := strconv.Atoi(r.Get("recipient_count"))
	return n
}

// Size returns the "size" field in bytes, or 0 if absent or unparseable.
func (r *Record) Size() int {
	n, _ := strconv.Atoi(r.Get("size"))
	return n
}

// Recipients splits the "recipient" field on "," and memoizes the result.
func (r *Record) Recipients() []string {
	if r.recipientsSet {
		return r.recipients
	}
	rec := r.Recipient()
	var list []string
	if rec != "" {
		list = strings.Split(rec, ",")
	}
	r.recipients = list
	r.recipientsSet = true
	return list
}
