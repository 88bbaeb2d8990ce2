package receive

import (
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

// testDecodingParser handles the textual test_decoding output, one line
// per WAL record: BEGIN/COMMIT markers carrying the xid, and per-row
// "table <ns>.<rel>: <OP>: name[type]:value ..." lines. The change
// lines do not repeat the xid, so the parser remembers it from BEGIN.
type testDecodingParser struct {
	xid uint32
}

const testDecodingTimeLayout = "2006-01-02 15:04:05.999999-07"

func (p *testDecodingParser) Parse(data []byte, lsn pglogrepl.LSN, now time.Time) ([]message.Message, error) {
	line := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(line, "BEGIN"):
		p.xid = parseXid(line[len("BEGIN"):])
		return []message.Message{&message.Begin{Xid: p.xid, CommitLSN: lsn, At: now}}, nil

	case strings.HasPrefix(line, "COMMIT"):
		rest := line[len("COMMIT"):]
		ts := now
		if at := strings.Index(rest, "(at "); at >= 0 {
			stamp := strings.TrimSuffix(rest[at+len("(at "):], ")")
			if parsed, err := time.Parse(testDecodingTimeLayout, stamp); err == nil {
				ts = parsed
			}
			rest = rest[:at]
		}
		xid := parseXid(rest)
		if xid == 0 {
			xid = p.xid
		}
		p.xid = 0
		return []message.Message{&message.Commit{Xid: xid, CommitLSN: lsn, At: ts}}, nil

	case strings.HasPrefix(line, "table "):
		return p.parseTableLine(line[len("table "):], lsn, now)

	case strings.HasPrefix(line, "message:"):
		return p.parseMessageLine(line, lsn, now)
	}
	return nil, nil
}

func (p *testDecodingParser) parseTableLine(rest string, lsn pglogrepl.LSN, now time.Time) ([]message.Message, error) {
	op, relations, tail := splitTableOp(rest)
	if op == "" || len(relations) == 0 {
		return nil, nil
	}
	ns, rel := splitQualified(relations[0])

	switch op {
	case "INSERT":
		return []message.Message{&message.Change{
			Op: message.KindInsert, Xid: p.xid, ChangeLSN: lsn, At: now,
			Namespace: ns, Relation: rel,
			New: tupleFromPairs(tail),
		}}, nil

	case "UPDATE":
		ch := &message.Change{
			Op: message.KindUpdate, Xid: p.xid, ChangeLSN: lsn, At: now,
			Namespace: ns, Relation: rel,
		}
		if old, idx := strings.CutPrefix(tail, "old-key:"); idx {
			oldPart, newPart, found := strings.Cut(old, "new-tuple:")
			if !found {
				newPart = oldPart
				oldPart = ""
			}
			if oldPart = strings.TrimSpace(oldPart); oldPart != "" {
				ch.Old = tupleFromPairs(oldPart)
			}
			ch.New = tupleFromPairs(strings.TrimSpace(newPart))
		} else {
			ch.New = tupleFromPairs(tail)
		}
		return []message.Message{ch}, nil

	case "DELETE":
		ch := &message.Change{
			Op: message.KindDelete, Xid: p.xid, ChangeLSN: lsn, At: now,
			Namespace: ns, Relation: rel,
		}
		if tail != "(no-tuple-data)" {
			ch.Old = tupleFromPairs(tail)
		}
		return []message.Message{ch}, nil

	case "TRUNCATE":
		return []message.Message{&message.Truncate{
			Xid: p.xid, TruncLSN: lsn, At: now, Relations: relations,
		}}, nil
	}
	return nil, nil
}

func (p *testDecodingParser) parseMessageLine(line string, lsn pglogrepl.LSN, now time.Time) ([]message.Message, error) {
	msg := &message.GenericMessage{Xid: p.xid, MsgLSN: lsn, At: now}
	if after, ok := strings.CutPrefix(line, "message: transactional: "); ok {
		msg.Transactional = strings.HasPrefix(after, "true")
	}
	if at := strings.Index(line, "prefix: "); at >= 0 {
		prefix := line[at+len("prefix: "):]
		if comma := strings.Index(prefix, ","); comma >= 0 {
			msg.Prefix = prefix[:comma]
		}
	}
	if at := strings.Index(line, "content:"); at >= 0 {
		msg.Content = []byte(line[at+len("content:"):])
	}
	return []message.Message{msg}, nil
}

// splitTableOp splits "public.a, public.b: OP: tail" into the operation
// name, the relation list, and the remainder of the line.
func splitTableOp(rest string) (op string, relations []string, tail string) {
	for _, candidate := range []string{"INSERT", "UPDATE", "DELETE", "TRUNCATE"} {
		marker := ": " + candidate + ":"
		at := strings.Index(rest, marker)
		if at < 0 {
			continue
		}
		for _, r := range strings.Split(rest[:at], ",") {
			relations = append(relations, strings.TrimSpace(r))
		}
		return candidate, relations, strings.TrimSpace(rest[at+len(marker):])
	}
	return "", nil, ""
}

func splitQualified(relation string) (ns, rel string) {
	if i := strings.IndexByte(relation, '.'); i >= 0 {
		return relation[:i], relation[i+1:]
	}
	return "public", relation
}

func parseXid(s string) uint32 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// tupleFromPairs parses the "name[type]:value ..." column syntax. A
// value is either a single-quoted string with doubled-quote escapes, a
// bare token, or the keyword null.
func tupleFromPairs(s string) *message.Tuple {
	var cols []message.Column
	i, n := 0, len(s)
	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		open := strings.IndexByte(s[i:], '[')
		if open < 0 {
			break
		}
		name := s[i : i+open]
		i += open + 1
		closing := strings.IndexByte(s[i:], ']')
		if closing < 0 {
			break
		}
		typ := s[i : i+closing]
		i += closing + 1
		if i < n && s[i] == ':' {
			i++
		}

		col := message.Column{Name: name, DataType: typeNameOID(typ)}
		if i < n && s[i] == '\'' {
			var b strings.Builder
			i++
			for i < n {
				if s[i] == '\'' {
					if i+1 < n && s[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(s[i])
				i++
			}
			col.Value = []byte(b.String())
		} else {
			end := strings.IndexByte(s[i:], ' ')
			var val string
			if end < 0 {
				val, i = s[i:], n
			} else {
				val, i = s[i:i+end], i+end
			}
			if val == "null" {
				col.IsNull = true
			} else {
				col.Value = []byte(val)
			}
		}
		cols = append(cols, col)
	}
	if cols == nil {
		return nil
	}
	return &message.Tuple{Columns: cols}
}
