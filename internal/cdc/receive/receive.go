// Package receive implements the CDC receive role: it streams logical
// decoding messages off a replication slot and appends each one as a JSON
// line to the current WAL-segment file under the work directory's cdc/json
// tree, rotating files on segment boundaries so transform can process
// one immutable file at a time.
package receive

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jfoltran/pgcopydb/internal/cdc/message"
	"github.com/jfoltran/pgcopydb/pkg/lsn"
)

// SegmentReady is invoked once a segment file is closed (rotated out),
// naming it for the transform queue to pick up.
type SegmentReady func(path string, firstLSN pglogrepl.LSN)

// Options configures a Receiver.
type Options struct {
	SlotName    string
	Publication string
	// Plugin selects the logical decoding output plugin: pgoutput
	// (default), test_decoding, or wal2json. The wire parsing dispatches
	// on this; everything downstream sees the same message types.
	Plugin   string
	JSONDir  string
	WalSegSz uint64
	// StandbyInterval paces feedback sends to the source; defaults to 1s.
	StandbyInterval time.Duration
}

// Receiver consumes the logical replication stream and files it to disk.
type Receiver struct {
	conn   *pgconn.PgConn
	logger zerolog.Logger
	opts   Options

	limiter   *rate.Limiter
	relations map[uint32]relationInfo
	tparser   textParser

	mu             sync.Mutex
	confirmedLSN   pglogrepl.LSN
	serverWALEnd   pglogrepl.LSN
	lastStatusTime time.Time

	curSegment  uint64
	curFile     *os.File
	curWriter   *bufio.Writer
	curFirstLSN pglogrepl.LSN
	curHasData  bool

	onSegment SegmentReady
}

type relationInfo struct {
	namespace string
	name      string
	columns   []message.Column
}

// New creates a Receiver bound to an already-opened replication connection.
func New(conn *pgconn.PgConn, opts Options, onSegment SegmentReady, logger zerolog.Logger) *Receiver {
	if opts.StandbyInterval == 0 {
		opts.StandbyInterval = time.Second
	}
	if opts.WalSegSz == 0 {
		opts.WalSegSz = lsn.DefaultWalSegSz
	}
	if opts.Plugin == "" {
		opts.Plugin = PluginPgoutput
	}
	return &Receiver{
		conn:      conn,
		logger:    logger.With().Str("component", "cdc-receive").Logger(),
		opts:      opts,
		limiter:   rate.NewLimiter(rate.Every(opts.StandbyInterval), 1),
		relations: make(map[uint32]relationInfo),
		onSegment: onSegment,
	}
}

// CreateSlot creates the logical replication slot if startLSN is zero,
// returning the exported snapshot name so the caller's copy phase can adopt
// it; if startLSN is non-zero the slot is assumed to already exist.
func (r *Receiver) CreateSlot(ctx context.Context, startLSN pglogrepl.LSN) (pglogrepl.LSN, string, error) {
	if startLSN != 0 {
		return startLSN, "", nil
	}
	slot := strings.ReplaceAll(r.opts.SlotName, "-", "_")
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL %s (SNAPSHOT 'export')`, slot, r.opts.Plugin)
	result, err := pglogrepl.ParseCreateReplicationSlot(r.conn.Exec(ctx, sql))
	if err != nil {
		return 0, "", fmt.Errorf("create replication slot: %w", err)
	}
	parsed, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return 0, "", fmt.Errorf("parse consistent point: %w", err)
	}
	return parsed, result.SnapshotName, nil
}

// Run starts streaming from startLSN and blocks until ctx is cancelled or a
// fatal error occurs; any open segment file is flushed and closed first.
func (r *Receiver) Run(ctx context.Context, startLSN pglogrepl.LSN) error {
	slot := strings.ReplaceAll(r.opts.SlotName, "-", "_")
	err := pglogrepl.StartReplication(ctx, r.conn, slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: pluginArgs(r.opts.Plugin, r.opts.Publication),
	})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	r.mu.Lock()
	r.confirmedLSN = startLSN
	r.lastStatusTime = time.Now()
	r.mu.Unlock()

	defer r.closeCurrentSegment()

	recvTimeout := 2 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if r.limiter.Allow() {
			if err := r.sendStandbyStatus(ctx); err != nil {
				r.logger.Err(err).Msg("send standby status")
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		raw, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := raw.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse keepalive")
				continue
			}
			r.mu.Lock()
			if pglogrepl.LSN(pkm.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(pkm.ServerWALEnd)
			}
			r.mu.Unlock()
			if err := r.appendMessage(&message.Keepalive{KeepaliveLSN: pglogrepl.LSN(pkm.ServerWALEnd), At: time.Now()}); err != nil {
				return err
			}
			if pkm.ReplyRequested {
				if err := r.sendStandbyStatus(ctx); err != nil {
					r.logger.Err(err).Msg("keepalive reply")
				}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				r.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			r.mu.Lock()
			if pglogrepl.LSN(xld.ServerWALEnd) > r.serverWALEnd {
				r.serverWALEnd = pglogrepl.LSN(xld.ServerWALEnd)
			}
			r.mu.Unlock()
			if err := r.decodeAndFile(xld); err != nil {
				return err
			}
		}
	}
}

// decodeAndFile dispatches one XLogData payload to the parser for the
// configured output plugin and appends the resulting messages to the
// current segment file, rotating first if this LSN belongs to a later
// segment.
func (r *Receiver) decodeAndFile(xld pglogrepl.XLogData) error {
	if r.opts.Plugin != PluginPgoutput {
		return r.decodeTextual(xld)
	}
	return r.decodePgoutput(xld)
}

// decodeTextual handles the test_decoding and wal2json payloads, which
// arrive as one text line per WAL record.
func (r *Receiver) decodeTextual(xld pglogrepl.XLogData) error {
	walLSN := pglogrepl.LSN(xld.WALStart)
	msgs, err := r.tparser.Parse(r.opts.Plugin, xld.WALData, walLSN, time.Now())
	if err != nil {
		r.logger.Err(err).Str("plugin", r.opts.Plugin).Msg("parse WAL data")
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := r.rotateIfNeeded(walLSN); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := r.appendMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Receiver) decodePgoutput(xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		r.logger.Err(err).Msg("parse WAL data")
		return nil
	}
	walLSN := pglogrepl.LSN(xld.WALStart)
	if err := r.rotateIfNeeded(walLSN); err != nil {
		return err
	}

	now := time.Now()
	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		return r.appendMessage(&message.Begin{Xid: msg.Xid, CommitLSN: pglogrepl.LSN(msg.FinalLSN), At: msg.CommitTime})

	case *pglogrepl.CommitMessage:
		return r.appendMessage(&message.Commit{CommitLSN: pglogrepl.LSN(msg.CommitLSN), At: msg.CommitTime})

	case *pglogrepl.RelationMessage:
		cols := make([]message.Column, len(msg.Columns))
		for i, c := range msg.Columns {
			cols[i] = message.Column{Name: c.Name, DataType: c.DataType}
		}
		r.relations[msg.RelationID] = relationInfo{namespace: msg.Namespace, name: msg.RelationName, columns: cols}
		return nil

	case *pglogrepl.InsertMessage:
		rel, ok := r.relations[msg.RelationID]
		if !ok {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for insert")
			return nil
		}
		return r.appendMessage(&message.Change{
			Op: message.KindInsert, ChangeLSN: walLSN, At: now,
			Namespace: rel.namespace, Relation: rel.name,
			New: decodeTuple(msg.Tuple, rel.columns),
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := r.relations[msg.RelationID]
		if !ok {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for update")
			return nil
		}
		ch := &message.Change{
			Op: message.KindUpdate, ChangeLSN: walLSN, At: now,
			Namespace: rel.namespace, Relation: rel.name,
			New: decodeTuple(msg.NewTuple, rel.columns),
		}
		if msg.OldTuple != nil {
			ch.Old = decodeTuple(msg.OldTuple, rel.columns)
		}
		return r.appendMessage(ch)

	case *pglogrepl.DeleteMessage:
		rel, ok := r.relations[msg.RelationID]
		if !ok {
			r.logger.Warn().Uint32("relation_id", msg.RelationID).Msg("unknown relation for delete")
			return nil
		}
		return r.appendMessage(&message.Change{
			Op: message.KindDelete, ChangeLSN: walLSN, At: now,
			Namespace: rel.namespace, Relation: rel.name,
			Old: decodeTuple(msg.OldTuple, rel.columns),
		})

	case *pglogrepl.TruncateMessage:
		names := make([]string, 0, len(msg.RelationIDs))
		for _, id := range msg.RelationIDs {
			if rel, ok := r.relations[id]; ok {
				names = append(names, rel.namespace+"."+rel.name)
			}
		}
		return r.appendMessage(&message.Truncate{TruncLSN: walLSN, At: now, Relations: names})

	case *pglogrepl.LogicalDecodingMessage:
		return r.appendMessage(&message.GenericMessage{
			MsgLSN: walLSN, At: now, Prefix: msg.Prefix,
			Transactional: msg.Transactional, Content: msg.Content,
		})
	}
	return nil
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []message.Column) *message.Tuple {
	if tuple == nil {
		return nil
	}
	t := &message.Tuple{Columns: make([]message.Column, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		col := message.Column{Value: c.Data, IsNull: c.DataType == 'n'}
		if i < len(cols) {
			col.Name = cols[i].Name
			col.DataType = cols[i].DataType
		}
		t.Columns[i] = col
	}
	return t
}

// SwitchWAL forces rotation of the current segment regardless of LSN,
// for an operator-requested switch.
func (r *Receiver) SwitchWAL() error {
	return r.appendMessage(&message.SwitchWAL{SwitchLSN: r.currentConfirmed(), At: time.Now()})
}

func (r *Receiver) currentConfirmed() pglogrepl.LSN {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmedLSN
}

// rotateIfNeeded closes the current segment file and opens the next one
// when walLSN belongs to a later WAL segment than the one currently open.
func (r *Receiver) rotateIfNeeded(walLSN pglogrepl.LSN) error {
	seg := lsn.SegmentNumber(walLSN, r.opts.WalSegSz)
	if r.curFile != nil && seg == r.curSegment {
		return nil
	}
	if r.curFile != nil {
		if err := r.closeCurrentSegment(); err != nil {
			return err
		}
	}
	return r.openSegment(seg)
}

func (r *Receiver) openSegment(seg uint64) error {
	if err := os.MkdirAll(r.opts.JSONDir, 0o700); err != nil {
		return fmt.Errorf("create json dir: %w", err)
	}
	path := segmentPath(r.opts.JSONDir, seg)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	r.curSegment = seg
	r.curFile = f
	r.curWriter = bufio.NewWriter(f)
	r.curFirstLSN = lsn.SegmentStart(seg, r.opts.WalSegSz)
	r.curHasData = false
	return nil
}

// closeCurrentSegment flushes and closes the open segment file, handing its
// path to the transform queue via onSegment. An empty (never-written)
// segment is still rotated but not handed off, matching "transform is
// idempotent over a segment" — there is nothing to transform.
func (r *Receiver) closeCurrentSegment() error {
	if r.curFile == nil {
		return nil
	}
	if err := r.curWriter.Flush(); err != nil {
		r.curFile.Close()
		return fmt.Errorf("flush segment: %w", err)
	}
	path := r.curFile.Name()
	if err := r.curFile.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	if r.curHasData && r.onSegment != nil {
		r.onSegment(path, r.curFirstLSN)
	}
	r.curFile = nil
	r.curWriter = nil
	return nil
}

func (r *Receiver) appendMessage(m message.Message) error {
	if r.curFile == nil {
		if err := r.rotateIfNeeded(m.LSN()); err != nil {
			return err
		}
	}
	line, err := message.Encode(m)
	if err != nil {
		return err
	}
	if _, err := r.curWriter.Write(line); err != nil {
		return fmt.Errorf("write segment line: %w", err)
	}
	if err := r.curWriter.WriteByte('\n'); err != nil {
		return err
	}
	r.curHasData = true

	if m.Kind() == message.KindCommit {
		r.mu.Lock()
		if m.LSN() > r.confirmedLSN {
			r.confirmedLSN = m.LSN()
		}
		r.mu.Unlock()
	}
	if m.Kind() == message.KindSwitchWAL {
		return r.closeCurrentSegment()
	}
	return nil
}

func (r *Receiver) sendStandbyStatus(ctx context.Context) error {
	r.mu.Lock()
	r.lastStatusTime = time.Now()
	lsnVal := r.confirmedLSN
	r.mu.Unlock()
	return pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsnVal,
		WALFlushPosition: lsnVal,
		WALApplyPosition: lsnVal,
	})
}

func segmentPath(dir string, seg uint64) string {
	return filepath.Join(dir, fmt.Sprintf("seg%012d.json", seg))
}
