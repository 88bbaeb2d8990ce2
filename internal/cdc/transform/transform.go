// Package transform renders one CDC receive segment (a JSON-lines file of
// internal/cdc/message.Message values) into a plain SQL file: one statement
// per Insert/Update/Delete/Truncate, transactions bracketed by BEGIN/COMMIT
// comments carrying their xid/lsn/timestamp as metadata, and SwitchWAL/
// Keepalive events rendered as progress comments rather than statements.
package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
)

// File transforms the JSON-lines segment at srcPath into a SQL file at
// dstPath, returning the number of statements written (not counting
// BEGIN/COMMIT markers or comments) so the caller can skip empty segments.
func File(srcPath, dstPath string, logger zerolog.Logger) (int, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open segment: %w", err)
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create sql file: %w", err)
	}
	w := bufio.NewWriter(dst)

	n, err := Stream(src, w, logger)
	if err != nil {
		w.Flush()
		dst.Close()
		os.Remove(tmp)
		return 0, err
	}
	if err := w.Flush(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("flush sql file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close sql file: %w", err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		return 0, fmt.Errorf("rename sql file: %w", err)
	}
	return n, nil
}

// Stream reads JSON-lines messages from r and writes rendered SQL to w,
// returning the statement count.
func Stream(r io.Reader, w io.Writer, logger zerolog.Logger) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		stmts    int
		inTxn    bool
		curXid   uint32
	)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := message.Decode(line)
		if err != nil {
			logger.Warn().Err(err).Msg("skip undecodable line")
			continue
		}

		switch m := msg.(type) {
		case *message.Begin:
			if inTxn {
				return stmts, fmt.Errorf("begin xid=%d while xid=%d still open", m.Xid, curXid)
			}
			meta, _ := json.Marshal(map[string]any{"xid": m.Xid, "lsn": m.LSN().String(), "timestamp": m.At})
			fmt.Fprintf(w, "BEGIN; -- %s\n", meta)
			inTxn, curXid = true, m.Xid

		case *message.Commit:
			meta, _ := json.Marshal(map[string]any{"xid": m.Xid, "lsn": m.LSN().String()})
			fmt.Fprintf(w, "COMMIT; -- %s\n", meta)
			inTxn, curXid = false, 0

		case *message.Change:
			stmt, err := renderChange(m)
			if err != nil {
				return stmts, err
			}
			fmt.Fprintln(w, stmt)
			stmts++

		case *message.Truncate:
			if len(m.Relations) == 0 {
				continue
			}
			fmt.Fprintf(w, "TRUNCATE TABLE %s;\n", strings.Join(quoteQualifiedAll(m.Relations), ", "))
			stmts++

		case *message.GenericMessage:
			fmt.Fprintf(w, "-- MESSAGE prefix=%s transactional=%t lsn=%s\n", m.Prefix, m.Transactional, m.LSN())

		case *message.SwitchWAL:
			fmt.Fprintf(w, "-- SWITCH WAL %s\n", m.LSN())

		case *message.Keepalive:
			fmt.Fprintf(w, "-- KEEPALIVE %s %s\n", m.LSN(), m.At.Format("2006-01-02T15:04:05.000000Z07:00"))
		}
	}
	if err := scanner.Err(); err != nil {
		return stmts, fmt.Errorf("scan segment: %w", err)
	}
	return stmts, nil
}

func renderChange(m *message.Change) (string, error) {
	qn := qualifiedIdent(m.Namespace, m.Relation)
	switch m.Op {
	case message.KindInsert:
		if m.New == nil {
			return "", fmt.Errorf("insert on %s with no new tuple", qn)
		}
		cols := make([]string, len(m.New.Columns))
		vals := make([]string, len(m.New.Columns))
		for i, c := range m.New.Columns {
			cols[i] = quoteIdent(c.Name)
			vals[i] = literal(c)
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", qn, strings.Join(cols, ", "), strings.Join(vals, ", ")), nil

	case message.KindUpdate:
		if m.New == nil {
			return "", fmt.Errorf("update on %s with no new tuple", qn)
		}
		sets := make([]string, len(m.New.Columns))
		for i, c := range m.New.Columns {
			sets[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), literal(c))
		}
		where := identityClause(m, qn)
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s;", qn, strings.Join(sets, ", "), where), nil

	case message.KindDelete:
		where := identityClause(m, qn)
		return fmt.Sprintf("DELETE FROM %s WHERE %s;", qn, where), nil

	default:
		return "", fmt.Errorf("unexpected change op %q", m.Op)
	}
}

// identityClause builds a WHERE clause identifying the row to update or
// delete, preferring the old tuple (pre-image, always correct under any
// replica identity) and falling back to the new tuple for inserts-shaped
// updates where no old tuple was captured (REPLICA IDENTITY DEFAULT
// without a primary key change).
func identityClause(m *message.Change, qn string) string {
	tuple := m.Old
	if tuple == nil {
		tuple = m.New
	}
	if tuple == nil || len(tuple.Columns) == 0 {
		return "true"
	}
	clauses := make([]string, len(tuple.Columns))
	for i, c := range tuple.Columns {
		if c.IsNull {
			clauses[i] = fmt.Sprintf("%s IS NULL", quoteIdent(c.Name))
			continue
		}
		clauses[i] = fmt.Sprintf("%s = %s", quoteIdent(c.Name), literal(c))
	}
	return strings.Join(clauses, " AND ")
}

// literal renders a column's decoder-supplied text value as a SQL
// literal: booleans as true/false, integers and doubles bare, NULL for
// absent values, and everything else quoted with doubled single quotes.
func literal(c message.Column) string {
	if c.IsNull || c.Value == nil {
		return "NULL"
	}
	v := string(c.Value)
	switch {
	case message.IsBoolOID(c.DataType):
		switch v {
		case "t", "true":
			return "true"
		case "f", "false":
			return "false"
		}
	case message.IsNumericOID(c.DataType):
		// NaN/Infinity and malformed values still need quoting; only a
		// plain numeric literal may render bare.
		if isNumericLiteral(v) {
			return v
		}
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c >= '0' && c <= '9':
		case c == '+' || c == '-' || c == '.' || c == 'e' || c == 'E':
		default:
			return false
		}
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualifiedIdent(namespace, relation string) string {
	return quoteIdent(namespace) + "." + quoteIdent(relation)
}

func quoteQualifiedAll(relations []string) []string {
	out := make([]string, len(relations))
	for i, r := range relations {
		parts := strings.SplitN(r, ".", 2)
		if len(parts) != 2 {
			out[i] = quoteIdent(r)
			continue
		}
		out[i] = qualifiedIdent(parts[0], parts[1])
	}
	return out
}
