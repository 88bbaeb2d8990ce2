package receive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

// wal2jsonParser handles wal2json format-version 2 output: each WAL
// record carries one JSON object with an "action" discriminator. The
// change actions do not repeat the xid, so the parser remembers it from
// the enclosing B action.
type wal2jsonParser struct {
	xid uint32
}

type wal2jsonAction struct {
	Action    string           `json:"action"`
	Xid       uint32           `json:"xid"`
	Timestamp string           `json:"timestamp"`
	Schema    string           `json:"schema"`
	Table     string           `json:"table"`
	Prefix    string           `json:"prefix"`
	Content   string           `json:"content"`
	Columns   []wal2jsonColumn `json:"columns"`
	Identity  []wal2jsonColumn `json:"identity"`
}

type wal2jsonColumn struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

const wal2jsonTimeLayout = "2006-01-02 15:04:05.999999-07"

func (p *wal2jsonParser) Parse(data []byte, lsn pglogrepl.LSN, now time.Time) ([]message.Message, error) {
	var act wal2jsonAction
	if err := json.Unmarshal(data, &act); err != nil {
		return nil, fmt.Errorf("wal2json: %w", err)
	}

	ts := now
	if act.Timestamp != "" {
		if parsed, err := time.Parse(wal2jsonTimeLayout, act.Timestamp); err == nil {
			ts = parsed
		}
	}

	switch act.Action {
	case "B":
		p.xid = act.Xid
		return []message.Message{&message.Begin{Xid: act.Xid, CommitLSN: lsn, At: ts}}, nil

	case "C":
		xid := p.xid
		p.xid = 0
		return []message.Message{&message.Commit{Xid: xid, CommitLSN: lsn, At: ts}}, nil

	case "I":
		return []message.Message{&message.Change{
			Op: message.KindInsert, Xid: p.xid, ChangeLSN: lsn, At: ts,
			Namespace: act.Schema, Relation: act.Table,
			New: wal2jsonTuple(act.Columns),
		}}, nil

	case "U":
		ch := &message.Change{
			Op: message.KindUpdate, Xid: p.xid, ChangeLSN: lsn, At: ts,
			Namespace: act.Schema, Relation: act.Table,
			New: wal2jsonTuple(act.Columns),
		}
		if len(act.Identity) > 0 {
			ch.Old = wal2jsonTuple(act.Identity)
		}
		return []message.Message{ch}, nil

	case "D":
		return []message.Message{&message.Change{
			Op: message.KindDelete, Xid: p.xid, ChangeLSN: lsn, At: ts,
			Namespace: act.Schema, Relation: act.Table,
			Old: wal2jsonTuple(act.Identity),
		}}, nil

	case "T":
		return []message.Message{&message.Truncate{
			Xid: p.xid, TruncLSN: lsn, At: ts,
			Relations: []string{act.Schema + "." + act.Table},
		}}, nil

	case "M":
		return []message.Message{&message.GenericMessage{
			Xid: p.xid, MsgLSN: lsn, At: ts,
			Prefix: act.Prefix, Content: []byte(act.Content),
		}}, nil
	}

	return nil, nil
}

// wal2jsonTuple converts the decoder's typed JSON values to the shared
// textual column form: JSON strings unwrap to their contents, numbers
// and booleans keep their JSON text, null marks the column as NULL.
func wal2jsonTuple(cols []wal2jsonColumn) *message.Tuple {
	if cols == nil {
		return nil
	}
	t := &message.Tuple{Columns: make([]message.Column, len(cols))}
	for i, c := range cols {
		col := message.Column{Name: c.Name, DataType: typeNameOID(c.Type)}
		switch {
		case len(c.Value) == 0 || string(c.Value) == "null":
			col.IsNull = true
		case c.Value[0] == '"':
			var s string
			if err := json.Unmarshal(c.Value, &s); err == nil {
				col.Value = []byte(s)
			} else {
				col.Value = c.Value
			}
		default:
			col.Value = []byte(c.Value)
		}
		t.Columns[i] = col
	}
	return t
}
