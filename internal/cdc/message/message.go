// Package message defines the tagged union of logical-decoding events that
// flows from CDC receive through transform to apply: one concrete struct
// per action, all satisfying the same Message interface so the receive
// loop can treat them uniformly no matter which wire decoder (pgoutput,
// test_decoding, wal2json) produced them.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// Kind identifies which action a Message carries.
type Kind string

const (
	KindBegin     Kind = "begin"
	KindCommit    Kind = "commit"
	KindInsert    Kind = "insert"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindTruncate  Kind = "truncate"
	KindMessage   Kind = "message"
	KindSwitchWAL Kind = "switch_wal"
	KindKeepalive Kind = "keepalive"
)

// Message is satisfied by every concrete logical-decoding event. LSN is the
// position the event occurred at (for a pgoutput Begin, the transaction's
// final LSN; the text decoders use the BEGIN record's own position); XID is
// 0 for messages with no owning
// transaction (SwitchWAL, Keepalive).
type Message interface {
	Kind() Kind
	LSN() pglogrepl.LSN
	XID() uint32
	Time() time.Time
}

// Built-in Postgres type OIDs for the value classes that render bare
// (unquoted) in SQL text: booleans, integers, and floating-point
// numbers. Everything else is quoted as a string literal.
const (
	OIDBool    uint32 = 16
	OIDInt8    uint32 = 20
	OIDInt2    uint32 = 21
	OIDInt4    uint32 = 23
	OIDOID     uint32 = 26
	OIDFloat4  uint32 = 700
	OIDFloat8  uint32 = 701
	OIDNumeric uint32 = 1700
)

// IsBoolOID reports whether oid is the boolean type.
func IsBoolOID(oid uint32) bool {
	return oid == OIDBool
}

// IsNumericOID reports whether oid is one of the integer, float, or
// numeric types whose textual value is already a SQL literal.
func IsNumericOID(oid uint32) bool {
	switch oid {
	case OIDInt2, OIDInt4, OIDInt8, OIDOID, OIDFloat4, OIDFloat8, OIDNumeric:
		return true
	}
	return false
}

// Column is one value in a tuple, carrying the decoder's raw text
// representation: the plugin already renders values as their textual SQL
// form, so transform only needs to quote it and pass it through.
type Column struct {
	Name     string `json:"name"`
	DataType uint32 `json:"data_type"`
	Value    []byte `json:"value"`
	IsNull   bool   `json:"is_null"`
}

// Tuple holds the column values for one row version.
type Tuple struct {
	Columns []Column `json:"columns"`
}

// Begin marks the start of a transaction.
type Begin struct {
	Xid       uint32        `json:"xid"`
	CommitLSN pglogrepl.LSN `json:"lsn"`
	At        time.Time     `json:"timestamp"`
}

func (m *Begin) Kind() Kind            { return KindBegin }
func (m *Begin) LSN() pglogrepl.LSN    { return m.CommitLSN }
func (m *Begin) XID() uint32           { return m.Xid }
func (m *Begin) Time() time.Time       { return m.At }

// Commit marks the end of a transaction.
type Commit struct {
	Xid       uint32        `json:"xid"`
	CommitLSN pglogrepl.LSN `json:"lsn"`
	At        time.Time     `json:"timestamp"`
}

func (m *Commit) Kind() Kind            { return KindCommit }
func (m *Commit) LSN() pglogrepl.LSN    { return m.CommitLSN }
func (m *Commit) XID() uint32           { return m.Xid }
func (m *Commit) Time() time.Time       { return m.At }

// Change covers Insert, Update and Delete: which fields are populated
// depends on Op (Insert has only New, Delete has only Old, Update has both
// when the source table carries a replica identity wide enough to supply it).
type Change struct {
	Op        Kind          `json:"op"`
	Xid       uint32        `json:"xid"`
	ChangeLSN pglogrepl.LSN `json:"lsn"`
	At        time.Time     `json:"timestamp"`
	Namespace string        `json:"namespace"`
	Relation  string        `json:"relation"`
	Old       *Tuple        `json:"old,omitempty"`
	New       *Tuple        `json:"new,omitempty"`
}

func (m *Change) Kind() Kind            { return m.Op }
func (m *Change) LSN() pglogrepl.LSN    { return m.ChangeLSN }
func (m *Change) XID() uint32           { return m.Xid }
func (m *Change) Time() time.Time       { return m.At }

// Truncate carries one or more relations truncated together in a single
// statement.
type Truncate struct {
	Xid       uint32        `json:"xid"`
	TruncLSN  pglogrepl.LSN `json:"lsn"`
	At        time.Time     `json:"timestamp"`
	Relations []string      `json:"relations"`
}

func (m *Truncate) Kind() Kind            { return KindTruncate }
func (m *Truncate) LSN() pglogrepl.LSN    { return m.TruncLSN }
func (m *Truncate) XID() uint32           { return m.Xid }
func (m *Truncate) Time() time.Time       { return m.At }

// GenericMessage wraps a pg_logical_emit_message() payload (not a DML
// event); transform renders it as a comment so operators see it in the SQL
// file without it being replayed as a statement.
type GenericMessage struct {
	Xid           uint32        `json:"xid"`
	MsgLSN        pglogrepl.LSN `json:"lsn"`
	At            time.Time     `json:"timestamp"`
	Prefix        string        `json:"prefix"`
	Transactional bool          `json:"transactional"`
	Content       []byte        `json:"content"`
}

func (m *GenericMessage) Kind() Kind            { return KindMessage }
func (m *GenericMessage) LSN() pglogrepl.LSN    { return m.MsgLSN }
func (m *GenericMessage) XID() uint32           { return m.Xid }
func (m *GenericMessage) Time() time.Time       { return m.At }

// SwitchWAL is a synthetic event receive emits at a WAL-segment boundary
// (or on an explicit operator-issued switch) to force file rotation.
type SwitchWAL struct {
	SwitchLSN pglogrepl.LSN `json:"lsn"`
	At        time.Time     `json:"timestamp"`
}

func (m *SwitchWAL) Kind() Kind            { return KindSwitchWAL }
func (m *SwitchWAL) LSN() pglogrepl.LSN    { return m.SwitchLSN }
func (m *SwitchWAL) XID() uint32           { return 0 }
func (m *SwitchWAL) Time() time.Time       { return m.At }

// Keepalive records a liveness ping from the source at a given LSN, used by
// transform to emit a progress comment and by apply to publish replayLSN
// without waiting for an actual commit.
type Keepalive struct {
	KeepaliveLSN pglogrepl.LSN `json:"lsn"`
	At           time.Time     `json:"timestamp"`
}

func (m *Keepalive) Kind() Kind            { return KindKeepalive }
func (m *Keepalive) LSN() pglogrepl.LSN    { return m.KeepaliveLSN }
func (m *Keepalive) XID() uint32           { return 0 }
func (m *Keepalive) Time() time.Time       { return m.At }

// wireEnvelope is the on-disk JSON-line shape: a kind discriminator plus the
// raw payload, so a reader can dispatch to the right concrete type without
// guessing from field presence.
type wireEnvelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders one Message as a single JSON line (no trailing newline).
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", m.Kind(), err)
	}
	env := wireEnvelope{Kind: m.Kind(), Payload: payload}
	return json.Marshal(env)
}

// Decode parses one JSON line back into its concrete Message type.
func Decode(line []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Kind {
	case KindBegin:
		var m Begin
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindCommit:
		var m Commit
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindInsert, KindUpdate, KindDelete:
		var m Change
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindTruncate:
		var m Truncate
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindMessage:
		var m GenericMessage
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindSwitchWAL:
		var m SwitchWAL
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindKeepalive:
		var m Keepalive
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown message kind %q", env.Kind)
	}
}
