package transform

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

func encodeLine(t *testing.T, m message.Message) []byte {
	t.Helper()
	line, err := message.Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return append(line, '\n')
}

func TestStreamRendersTransactionWithInsertUpdateDelete(t *testing.T) {
	now := time.Now().UTC()
	var src bytes.Buffer
	src.Write(encodeLine(t, &message.Begin{Xid: 7, CommitLSN: pglogrepl.LSN(0x100), At: now}))
	src.Write(encodeLine(t, &message.Change{
		Op: message.KindInsert, Xid: 7, ChangeLSN: pglogrepl.LSN(0x110), At: now,
		Namespace: "public", Relation: "widgets",
		New: &message.Tuple{Columns: []message.Column{{Name: "id", Value: []byte("1")}, {Name: "name", Value: []byte("o'brien")}}},
	}))
	src.Write(encodeLine(t, &message.Change{
		Op: message.KindUpdate, Xid: 7, ChangeLSN: pglogrepl.LSN(0x120), At: now,
		Namespace: "public", Relation: "widgets",
		Old: &message.Tuple{Columns: []message.Column{{Name: "id", Value: []byte("1")}}},
		New: &message.Tuple{Columns: []message.Column{{Name: "id", Value: []byte("1")}, {Name: "name", Value: []byte("b")}}},
	}))
	src.Write(encodeLine(t, &message.Change{
		Op: message.KindDelete, Xid: 7, ChangeLSN: pglogrepl.LSN(0x130), At: now,
		Namespace: "public", Relation: "widgets",
		Old: &message.Tuple{Columns: []message.Column{{Name: "id", Value: []byte("1")}}},
	}))
	src.Write(encodeLine(t, &message.Commit{Xid: 7, CommitLSN: pglogrepl.LSN(0x140), At: now}))

	var out bytes.Buffer
	n, err := Stream(&src, &out, zerolog.Nop())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != 3 {
		t.Fatalf("statement count = %d, want 3", n)
	}

	sql := out.String()
	if !strings.HasPrefix(sql, "BEGIN;") {
		t.Errorf("expected leading BEGIN;, got: %s", sql)
	}
	if !strings.Contains(sql, `INSERT INTO "public"."widgets"`) {
		t.Errorf("missing INSERT: %s", sql)
	}
	if !strings.Contains(sql, "o''brien") {
		t.Errorf("expected escaped quote in literal: %s", sql)
	}
	if !strings.Contains(sql, `UPDATE "public"."widgets" SET`) {
		t.Errorf("missing UPDATE: %s", sql)
	}
	if !strings.Contains(sql, `DELETE FROM "public"."widgets" WHERE`) {
		t.Errorf("missing DELETE: %s", sql)
	}
	if !strings.Contains(sql, "COMMIT;") {
		t.Errorf("missing COMMIT: %s", sql)
	}
}

func TestStreamRendersTruncateAndKeepalive(t *testing.T) {
	now := time.Now().UTC()
	var src bytes.Buffer
	src.Write(encodeLine(t, &message.Truncate{Xid: 1, TruncLSN: pglogrepl.LSN(0x10), At: now, Relations: []string{"public.widgets"}}))
	src.Write(encodeLine(t, &message.Keepalive{KeepaliveLSN: pglogrepl.LSN(0x20), At: now}))

	var out bytes.Buffer
	n, err := Stream(&src, &out, zerolog.Nop())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != 1 {
		t.Fatalf("statement count = %d, want 1", n)
	}
	sql := out.String()
	if !strings.Contains(sql, `TRUNCATE TABLE "public"."widgets";`) {
		t.Errorf("missing TRUNCATE: %s", sql)
	}
	if !strings.Contains(sql, "-- KEEPALIVE") {
		t.Errorf("missing keepalive comment: %s", sql)
	}
}

func TestLiteralRendersByType(t *testing.T) {
	cases := []struct {
		name string
		col  message.Column
		want string
	}{
		{"int bare", message.Column{Name: "id", DataType: message.OIDInt4, Value: []byte("42")}, "42"},
		{"bigint bare", message.Column{Name: "id", DataType: message.OIDInt8, Value: []byte("-7")}, "-7"},
		{"double bare", message.Column{Name: "x", DataType: message.OIDFloat8, Value: []byte("3.14159")}, "3.14159"},
		{"bool t", message.Column{Name: "ok", DataType: message.OIDBool, Value: []byte("t")}, "true"},
		{"bool false", message.Column{Name: "ok", DataType: message.OIDBool, Value: []byte("false")}, "false"},
		{"null", message.Column{Name: "x", IsNull: true}, "NULL"},
		{"text quoted", message.Column{Name: "s", DataType: 25, Value: []byte("o'brien")}, "'o''brien'"},
		{"numeric nan quoted", message.Column{Name: "n", DataType: message.OIDNumeric, Value: []byte("NaN")}, "'NaN'"},
		{"untyped digits quoted", message.Column{Name: "s", Value: []byte("123")}, "'123'"},
	}
	for _, tc := range cases {
		if got := literal(tc.col); got != tc.want {
			t.Errorf("%s: literal() = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestStreamRendersTypedInsertUnquoted(t *testing.T) {
	now := time.Now().UTC()
	var src bytes.Buffer
	src.Write(encodeLine(t, &message.Begin{Xid: 9, CommitLSN: pglogrepl.LSN(0x200), At: now}))
	src.Write(encodeLine(t, &message.Change{
		Op: message.KindInsert, Xid: 9, ChangeLSN: pglogrepl.LSN(0x210), At: now,
		Namespace: "public", Relation: "widgets",
		New: &message.Tuple{Columns: []message.Column{
			{Name: "id", DataType: message.OIDInt4, Value: []byte("7")},
			{Name: "active", DataType: message.OIDBool, Value: []byte("t")},
		}},
	}))
	src.Write(encodeLine(t, &message.Commit{Xid: 9, CommitLSN: pglogrepl.LSN(0x220), At: now}))

	var out bytes.Buffer
	if _, err := Stream(&src, &out, zerolog.Nop()); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	sql := out.String()
	if !strings.Contains(sql, "VALUES (7, true);") {
		t.Errorf("integer and boolean should render bare: %s", sql)
	}
}

func TestStreamSkipsUndecodableLine(t *testing.T) {
	src := strings.NewReader("not json\n")
	var out bytes.Buffer
	n, err := Stream(src, &out, zerolog.Nop())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if n != 0 {
		t.Errorf("statement count = %d, want 0", n)
	}
}
