package message

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cases := []Message{
		&Begin{Xid: 100, CommitLSN: pglogrepl.LSN(0x1000), At: now},
		&Commit{Xid: 100, CommitLSN: pglogrepl.LSN(0x1100), At: now},
		&Change{
			Op: KindInsert, Xid: 100, ChangeLSN: pglogrepl.LSN(0x1050),
			At: now, Namespace: "public", Relation: "widgets",
			New: &Tuple{Columns: []Column{{Name: "id", Value: []byte("1")}}},
		},
		&Change{
			Op: KindUpdate, Xid: 100, ChangeLSN: pglogrepl.LSN(0x1060),
			At: now, Namespace: "public", Relation: "widgets",
			Old: &Tuple{Columns: []Column{{Name: "id", Value: []byte("1")}}},
			New: &Tuple{Columns: []Column{{Name: "id", Value: []byte("1")}, {Name: "name", Value: []byte("a")}}},
		},
		&Change{
			Op: KindDelete, Xid: 100, ChangeLSN: pglogrepl.LSN(0x1070),
			At: now, Namespace: "public", Relation: "widgets",
			Old: &Tuple{Columns: []Column{{Name: "id", Value: []byte("1")}}},
		},
		&Truncate{Xid: 100, TruncLSN: pglogrepl.LSN(0x1080), At: now, Relations: []string{"public.widgets"}},
		&GenericMessage{Xid: 0, MsgLSN: pglogrepl.LSN(0x1090), At: now, Prefix: "app", Content: []byte("hi")},
		&SwitchWAL{SwitchLSN: pglogrepl.LSN(0x2000), At: now},
		&Keepalive{KeepaliveLSN: pglogrepl.LSN(0x1500), At: now},
	}

	for _, want := range cases {
		line, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%v): %v", want.Kind(), err)
		}
		got, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode(%v): %v", want.Kind(), err)
		}
		if got.Kind() != want.Kind() {
			t.Errorf("kind: got %v want %v", got.Kind(), want.Kind())
		}
		if got.LSN() != want.LSN() {
			t.Errorf("lsn: got %v want %v", got.LSN(), want.LSN())
		}
		if got.XID() != want.XID() {
			t.Errorf("xid: got %v want %v", got.XID(), want.XID())
		}
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"bogus","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
