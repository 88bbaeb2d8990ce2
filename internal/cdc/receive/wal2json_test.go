package receive

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

func parseW2J(t *testing.T, p *wal2jsonParser, line string, lsn pglogrepl.LSN) []message.Message {
	t.Helper()
	msgs, err := p.Parse([]byte(line), lsn, time.Now())
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return msgs
}

func TestWal2JSON_Transaction(t *testing.T) {
	var p wal2jsonParser

	msgs := parseW2J(t, &p, `{"action":"B","xid":801,"timestamp":"2026-08-01 12:00:00.000001+00"}`, pglogrepl.LSN(0x100))
	begin := msgs[0].(*message.Begin)
	if begin.Xid != 801 {
		t.Fatalf("begin xid = %d, want 801", begin.Xid)
	}
	if begin.At.Year() != 2026 {
		t.Errorf("begin timestamp not parsed: %v", begin.At)
	}

	msgs = parseW2J(t, &p,
		`{"action":"I","schema":"public","table":"widgets","columns":[{"name":"id","type":"integer","value":7},{"name":"name","type":"text","value":"o'brien"},{"name":"gone","type":"text","value":null}]}`,
		pglogrepl.LSN(0x110))
	ins := msgs[0].(*message.Change)
	if ins.Op != message.KindInsert || ins.Xid != 801 {
		t.Fatalf("expected insert xid=801, got %#v", ins)
	}
	cols := ins.New.Columns
	if cols[0].DataType != message.OIDInt4 || string(cols[0].Value) != "7" {
		t.Errorf("int column = %+v", cols[0])
	}
	if string(cols[1].Value) != "o'brien" {
		t.Errorf("string column = %q (JSON quoting should be stripped)", cols[1].Value)
	}
	if !cols[2].IsNull {
		t.Errorf("null column not detected: %+v", cols[2])
	}

	msgs = parseW2J(t, &p,
		`{"action":"U","schema":"public","table":"widgets","columns":[{"name":"id","type":"integer","value":7}],"identity":[{"name":"id","type":"integer","value":6}]}`,
		pglogrepl.LSN(0x120))
	upd := msgs[0].(*message.Change)
	if upd.Old == nil || string(upd.Old.Columns[0].Value) != "6" {
		t.Errorf("identity should become the old tuple: %+v", upd.Old)
	}

	msgs = parseW2J(t, &p,
		`{"action":"D","schema":"public","table":"widgets","identity":[{"name":"id","type":"integer","value":7}]}`,
		pglogrepl.LSN(0x130))
	del := msgs[0].(*message.Change)
	if del.Op != message.KindDelete || del.Old == nil {
		t.Fatalf("expected delete with old tuple, got %#v", del)
	}

	msgs = parseW2J(t, &p, `{"action":"C","timestamp":"2026-08-01 12:00:01.000001+00"}`, pglogrepl.LSN(0x140))
	commit := msgs[0].(*message.Commit)
	if commit.Xid != 801 {
		t.Errorf("commit xid = %d, want 801 (inherited from B)", commit.Xid)
	}
}

func TestWal2JSON_TruncateAndMessage(t *testing.T) {
	var p wal2jsonParser

	msgs := parseW2J(t, &p, `{"action":"T","schema":"public","table":"widgets"}`, pglogrepl.LSN(0x10))
	trunc := msgs[0].(*message.Truncate)
	if len(trunc.Relations) != 1 || trunc.Relations[0] != "public.widgets" {
		t.Errorf("truncate relations = %v", trunc.Relations)
	}

	msgs = parseW2J(t, &p, `{"action":"M","prefix":"app","content":"hello"}`, pglogrepl.LSN(0x20))
	gm := msgs[0].(*message.GenericMessage)
	if gm.Prefix != "app" || string(gm.Content) != "hello" {
		t.Errorf("generic message = %+v", gm)
	}
}
