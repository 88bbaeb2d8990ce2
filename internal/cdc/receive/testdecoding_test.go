package receive

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

func parseTD(t *testing.T, p *testDecodingParser, line string, lsn pglogrepl.LSN) []message.Message {
	t.Helper()
	msgs, err := p.Parse([]byte(line), lsn, time.Now())
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return msgs
}

func TestTestDecoding_Transaction(t *testing.T) {
	var p testDecodingParser

	msgs := parseTD(t, &p, "BEGIN 529", pglogrepl.LSN(0x100))
	begin, ok := msgs[0].(*message.Begin)
	if !ok || begin.Xid != 529 {
		t.Fatalf("expected Begin xid=529, got %#v", msgs[0])
	}

	msgs = parseTD(t, &p, `table public.data: INSERT: id[integer]:1 data[text]:'o''brien' flag[boolean]:true`, pglogrepl.LSN(0x110))
	ins, ok := msgs[0].(*message.Change)
	if !ok || ins.Op != message.KindInsert {
		t.Fatalf("expected insert, got %#v", msgs[0])
	}
	if ins.Xid != 529 {
		t.Errorf("insert xid = %d, want 529 (inherited from BEGIN)", ins.Xid)
	}
	if ins.Namespace != "public" || ins.Relation != "data" {
		t.Errorf("relation = %s.%s", ins.Namespace, ins.Relation)
	}
	cols := ins.New.Columns
	if len(cols) != 3 {
		t.Fatalf("len(cols) = %d, want 3", len(cols))
	}
	if cols[0].Name != "id" || cols[0].DataType != message.OIDInt4 || string(cols[0].Value) != "1" {
		t.Errorf("id column = %+v", cols[0])
	}
	if string(cols[1].Value) != "o'brien" {
		t.Errorf("quoted value = %q, want o'brien", cols[1].Value)
	}
	if cols[2].DataType != message.OIDBool || string(cols[2].Value) != "true" {
		t.Errorf("bool column = %+v", cols[2])
	}

	msgs = parseTD(t, &p, `table public.data: UPDATE: old-key: id[integer]:1 new-tuple: id[integer]:2 data[text]:'x'`, pglogrepl.LSN(0x120))
	upd := msgs[0].(*message.Change)
	if upd.Op != message.KindUpdate {
		t.Fatalf("expected update, got %v", upd.Op)
	}
	if upd.Old == nil || string(upd.Old.Columns[0].Value) != "1" {
		t.Errorf("old tuple = %+v", upd.Old)
	}
	if upd.New == nil || string(upd.New.Columns[0].Value) != "2" {
		t.Errorf("new tuple = %+v", upd.New)
	}

	msgs = parseTD(t, &p, `table public.data: DELETE: id[integer]:2`, pglogrepl.LSN(0x130))
	del := msgs[0].(*message.Change)
	if del.Op != message.KindDelete || del.Old == nil {
		t.Fatalf("expected delete with old tuple, got %#v", del)
	}

	msgs = parseTD(t, &p, "COMMIT 529 (at 2026-08-01 12:00:00.000001+00)", pglogrepl.LSN(0x140))
	commit := msgs[0].(*message.Commit)
	if commit.Xid != 529 {
		t.Errorf("commit xid = %d, want 529", commit.Xid)
	}
	if commit.At.Year() != 2026 {
		t.Errorf("commit timestamp not parsed: %v", commit.At)
	}
}

func TestTestDecoding_TruncateAndNull(t *testing.T) {
	var p testDecodingParser
	parseTD(t, &p, "BEGIN 7", pglogrepl.LSN(0x10))

	msgs := parseTD(t, &p, `table public.a, public.b: TRUNCATE: (no-flags)`, pglogrepl.LSN(0x20))
	trunc := msgs[0].(*message.Truncate)
	if len(trunc.Relations) != 2 || trunc.Relations[1] != "public.b" {
		t.Errorf("truncate relations = %v", trunc.Relations)
	}

	msgs = parseTD(t, &p, `table public.a: INSERT: id[integer]:1 note[text]:null`, pglogrepl.LSN(0x30))
	ins := msgs[0].(*message.Change)
	if !ins.New.Columns[1].IsNull {
		t.Errorf("null column not detected: %+v", ins.New.Columns[1])
	}
}
