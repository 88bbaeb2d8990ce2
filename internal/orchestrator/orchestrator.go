// Package orchestrator implements the parallel copy pipeline: it drives
// schema dump/restore, fans table, index, and large-object copying out
// across bounded worker pools, and writes the resumability artifacts
// internal/workdir and internal/summary define, so a crashed run can
// pick up where it left off instead of starting over.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jfoltran/pgcopydb/internal/catalog"
	"github.com/jfoltran/pgcopydb/internal/config"
	"github.com/jfoltran/pgcopydb/internal/metrics"
	"github.com/jfoltran/pgcopydb/internal/schema"
	"github.com/jfoltran/pgcopydb/internal/snapshotmgr"
	"github.com/jfoltran/pgcopydb/internal/summary"
	"github.com/jfoltran/pgcopydb/internal/workdir"
)

// Orchestrator owns the source and target pools and drives every
// copy-db sub-step against the work directory's artifact layout.
type Orchestrator struct {
	Source *pgxpool.Pool
	Dest   *pgxpool.Pool

	Catalog  *catalog.Catalog
	Snapshot *snapshotmgr.Manager
	Schema   *schema.Migrator
	Paths    *workdir.Paths
	Metrics  *metrics.Collector

	Cfg    config.CopyConfig
	Logger zerolog.Logger

	// attachSem bounds how many ALTER TABLE ... ADD CONSTRAINT statements
	// may run at once: unlike IndexJobs (which bounds concurrent CREATE
	// INDEX, a pool-sized resource cost), multiple concurrent ALTER TABLE
	// statements on tables with foreign keys between them risk lock-order
	// deadlocks, so this gates a correctness-sensitive critical section
	// rather than limiting overall parallelism.
	attachSem *semaphore.Weighted
}

// New creates an Orchestrator.
func New(source, dest *pgxpool.Pool, cat *catalog.Catalog, snap *snapshotmgr.Manager, mig *schema.Migrator, paths *workdir.Paths, coll *metrics.Collector, cfg config.CopyConfig, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Source: source, Dest: dest,
		Catalog: cat, Snapshot: snap, Schema: mig, Paths: paths, Metrics: coll,
		Cfg: cfg, Logger: logger.With().Str("component", "orchestrator").Logger(),
		attachSem: semaphore.NewWeighted(1),
	}
}

// CopyDB runs the full pipeline for whichever Section the config names:
// schema pre-data, table data, indexes/constraints, sequences, large
// objects, and schema post-data, in that order, skipping whatever
// Section excludes.
func (o *Orchestrator) CopyDB(ctx context.Context) error {
	section := o.Cfg.Section
	runs := func(s config.Section) bool { return section == config.SectionAll || section == s }

	if runs(config.SectionPreData) {
		if err := o.restoreSection(ctx, o.Paths.PreDataDump, o.Paths.PreDataDoneFile); err != nil {
			return fmt.Errorf("restore pre-data: %w", err)
		}
	}

	tables, err := o.Catalog.ListTables(ctx, o.Cfg.SplitThresholdBytes)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	if err := o.writeCatalogSnapshot(tables); err != nil {
		return err
	}

	if section == config.SectionAll {
		// The data, index/constraint, vacuum, and large-object phases
		// overlap: index and vacuum workers drain their queues as soon
		// as each table's last partition completes, instead of waiting
		// for the whole table-data phase to finish.
		if err := o.copyDataPipeline(ctx, tables); err != nil {
			return err
		}
	} else {
		if runs(config.SectionTableData) {
			if err := o.CopyTables(ctx, tables); err != nil {
				return fmt.Errorf("copy tables: %w", err)
			}
		}

		if runs(config.SectionIndex) || runs(config.SectionConstraints) {
			if err := o.CopyIndexes(ctx, tables); err != nil {
				return fmt.Errorf("copy indexes: %w", err)
			}
		}

		if runs(config.SectionSequences) {
			if err := o.CopySequences(ctx); err != nil {
				return fmt.Errorf("copy sequences: %w", err)
			}
		}

		if runs(config.SectionBlobs) && !o.Cfg.SkipLargeObjects {
			if err := o.CopyBlobs(ctx); err != nil {
				return fmt.Errorf("copy blobs: %w", err)
			}
		}
	}

	if runs(config.SectionPostData) {
		if err := o.restoreSection(ctx, o.Paths.PostDataDump, o.Paths.PostDataDoneFile); err != nil {
			return fmt.Errorf("restore post-data: %w", err)
		}
	}

	return nil
}

// writeCatalogSnapshot persists the table list (with partition plans
// and per-table index lists) as JSON under schema/, so operators and a
// later resume can inspect what the run planned without re-querying the
// source catalog.
func (o *Orchestrator) writeCatalogSnapshot(tables []catalog.SourceTable) error {
	data, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	tmp := o.Paths.CatalogJSON + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write catalog snapshot: %w", err)
	}
	if err := os.Rename(tmp, o.Paths.CatalogJSON); err != nil {
		return fmt.Errorf("rename catalog snapshot: %w", err)
	}
	return nil
}

// restoreSection applies a previously dumped DDL file against Dest,
// skipping entirely when doneFile already exists (resumability).
func (o *Orchestrator) restoreSection(ctx context.Context, dumpPath, doneFile string) error {
	if fileExists(doneFile) {
		o.Logger.Info().Str("done_file", doneFile).Msg("section already restored, skipping")
		return nil
	}
	ddl, err := os.ReadFile(dumpPath)
	if err != nil {
		if os.IsNotExist(err) {
			o.Logger.Warn().Str("path", dumpPath).Msg("no dump file for section, nothing to restore")
			return os.WriteFile(doneFile, []byte("empty\n"), 0o644)
		}
		return fmt.Errorf("read dump %s: %w", dumpPath, err)
	}
	text := string(ddl)
	if o.Cfg.SkipExtensions {
		text = stripExtensionStatements(text)
	}
	if err := o.Schema.ApplySchema(ctx, text); err != nil {
		return fmt.Errorf("apply %s: %w", dumpPath, err)
	}
	return os.WriteFile(doneFile, []byte("ok\n"), 0o644)
}

// stripExtensionStatements drops CREATE EXTENSION and COMMENT ON
// EXTENSION statements from a dump, honoring --skip-extensions.
func stripExtensionStatements(ddl string) string {
	var kept []string
	for _, stmt := range schema.ParseStatements(ddl) {
		upper := strings.ToUpper(stmt)
		if strings.HasPrefix(upper, "CREATE EXTENSION") || strings.HasPrefix(upper, "COMMENT ON EXTENSION") {
			continue
		}
		kept = append(kept, stmt)
	}
	return strings.Join(kept, "\n")
}

// CopyTables fans table (and table-partition) copying out across
// Cfg.TableJobs workers, each holding its own source and target
// connection for the lifetime of one table's COPY.
func (o *Orchestrator) CopyTables(ctx context.Context, tables []catalog.SourceTable) error {
	jobs := make([]copyJob, 0, len(tables))
	for _, t := range tables {
		if len(t.Parts) == 0 {
			jobs = append(jobs, copyJob{table: t})
			continue
		}
		for _, part := range t.Parts {
			jobs = append(jobs, copyJob{table: t, part: &part})
		}
	}

	if o.Metrics != nil {
		progress := make([]metrics.TableProgress, len(tables))
		for i, t := range tables {
			progress[i] = metrics.TableProgress{
				Schema: t.Namespace, Name: t.Relation,
				RowsTotal: t.RowEstimate, SizeBytes: t.Bytes,
				IndexesTotal: len(t.IndexList),
			}
		}
		o.Metrics.SetTables(progress)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(o.Cfg.TableJobs, 1))

	var completed int64
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := o.copyOneTable(gctx, job); err != nil {
				if o.Cfg.FailFast {
					return err
				}
				o.Logger.Err(err).Str("table", job.table.QualifiedName()).Msg("table copy failed, continuing (fail-fast disabled)")
				if o.Metrics != nil {
					o.Metrics.RecordError(err)
				}
				return nil
			}
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.Logger.Info().Int64("tables_copied", completed).Int("total_jobs", len(jobs)).Msg("table copy phase complete")
	return nil
}

type copyJob struct {
	table catalog.SourceTable
	part  *catalog.TablePart
}

func (o *Orchestrator) copyOneTable(ctx context.Context, job copyJob) error {
	partNumber := 0
	if job.part != nil {
		partNumber = job.part.PartNumber
	}
	artifact := o.Paths.Table(job.table.Namespace, job.table.Relation, partNumber)
	if fileExists(artifact.DoneFile) {
		o.Logger.Debug().Str("table", job.table.QualifiedName()).Msg("table already copied, skipping")
		return nil
	}
	if held, pid := lockHeldByLiveProcess(artifact.LockFile); held {
		o.Logger.Info().Str("table", job.table.QualifiedName()).Int("pid", pid).
			Msg("table locked by a live worker, skipping")
		return nil
	}

	selectQuery := fmt.Sprintf("SELECT * FROM %s", qualifiedIdent(job.table.Namespace, job.table.Relation))
	if job.part != nil {
		selectQuery = fmt.Sprintf("SELECT * FROM %s WHERE %s BETWEEN %d AND %d",
			qualifiedIdent(job.table.Namespace, job.table.Relation), quoteIdent(job.table.PartKey), job.part.Min, job.part.Max)
	}
	copySQL := fmt.Sprintf("COPY (%s) TO STDOUT", selectQuery)
	pasteSQL := fmt.Sprintf("COPY %s FROM STDIN", qualifiedIdent(job.table.Namespace, job.table.Relation))

	cmdLabel := "COPY " + job.table.QualifiedName()
	sum := summary.OpenTable(job.table.OID, job.table.Namespace, job.table.Relation, cmdLabel)
	if err := sum.WriteLock(artifact.LockFile); err != nil {
		return fmt.Errorf("write table lock: %w", err)
	}

	if o.Metrics != nil {
		o.Metrics.TableStarted(job.table.Namespace, job.table.Relation)
	}

	srcConn, err := o.Source.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire source connection: %w", err)
	}
	defer srcConn.Release()

	dstConn, err := o.Dest.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire dest connection: %w", err)
	}
	defer dstConn.Release()

	snap := o.Snapshot.Copy()
	if _, err := srcConn.Exec(ctx, "BEGIN ISOLATION LEVEL REPEATABLE READ READ ONLY"); err != nil {
		return fmt.Errorf("begin source read tx: %w", err)
	}
	defer srcConn.Exec(ctx, "COMMIT") //nolint:errcheck

	if snap.Active() {
		if _, err := srcConn.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snap.ID)); err != nil {
			return fmt.Errorf("adopt snapshot: %w", err)
		}
	}

	rows, err := o.streamCopy(ctx, srcConn.Conn(), dstConn.Conn(), copySQL, pasteSQL)
	if err != nil {
		return fmt.Errorf("copy %s: %w", job.table.QualifiedName(), err)
	}

	if err := sum.Finish(artifact.DoneFile); err != nil {
		return fmt.Errorf("finish table summary: %w", err)
	}
	if o.Metrics != nil {
		o.Metrics.TableDone(job.table.Namespace, job.table.Relation, rows)
	}
	return nil
}

// allPartsDone reports whether every part of a partitioned table already
// has a done-file on disk. Combined with claimTablePublish it tracks
// "last part to finish" across worker restarts: a resumed run that only
// has one part left to copy still detects that the table as a whole is
// now complete.
func (o *Orchestrator) allPartsDone(t catalog.SourceTable) bool {
	for _, part := range t.Parts {
		if !fileExists(o.Paths.Table(t.Namespace, t.Relation, part.PartNumber).DoneFile) {
			return false
		}
	}
	return true
}

// claimTablePublish exclusively creates the table's TruncateDoneFile so
// exactly one worker -- the one that observes every partition done --
// goes on to publish the table's index list and hand it to the vacuum
// queue, even when the partitions that complete the table were copied
// across two separate process runs.
func (o *Orchestrator) claimTablePublish(t catalog.SourceTable) (bool, error) {
	artifact := o.Paths.Table(t.Namespace, t.Relation, 0)
	f, err := os.OpenFile(artifact.TruncateDoneFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("claim table publish for %s: %w", t.QualifiedName(), err)
	}
	return true, f.Close()
}

// publishTable persists the table's index-list file and, when the
// channels are non-nil, hands the table to the vacuum queue and its
// indexes to the index queue so index/constraint and vacuum workers can
// start before the rest of the table-data phase finishes.
func (o *Orchestrator) publishTable(ctx context.Context, t catalog.SourceTable, indexCh chan<- catalog.SourceIndex, vacuumCh chan<- catalog.SourceTable) error {
	entries := make([]summary.IndexListEntry, len(t.IndexList))
	for i, idx := range t.IndexList {
		entries[i] = summary.IndexListEntry{IndexOID: idx.IndexOID, ConstraintOID: idx.ConstraintOID}
	}
	idxListFile := o.Paths.Table(t.Namespace, t.Relation, 0).IdxListFile
	if err := summary.WriteIndexList(idxListFile, entries); err != nil {
		return fmt.Errorf("write index list for %s: %w", t.QualifiedName(), err)
	}

	if vacuumCh != nil {
		select {
		case vacuumCh <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if indexCh != nil {
		for _, idx := range t.IndexList {
			select {
			case indexCh <- idx:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// copyDataPipeline runs the table-data phase with index/constraint and
// vacuum workers draining their queues concurrently, and large objects
// copied on a separate connection in parallel with all of it. A table's
// index build never starts before every part of that table is done.
func (o *Orchestrator) copyDataPipeline(ctx context.Context, tables []catalog.SourceTable) error {
	jobs := make([]copyJob, 0, len(tables))
	for _, t := range tables {
		if len(t.Parts) == 0 {
			jobs = append(jobs, copyJob{table: t})
			continue
		}
		for _, part := range t.Parts {
			jobs = append(jobs, copyJob{table: t, part: &part})
		}
	}

	if o.Metrics != nil {
		progress := make([]metrics.TableProgress, len(tables))
		for i, t := range tables {
			progress[i] = metrics.TableProgress{
				Schema: t.Namespace, Name: t.Relation,
				RowsTotal: t.RowEstimate, SizeBytes: t.Bytes,
				IndexesTotal: len(t.IndexList),
			}
		}
		o.Metrics.SetTables(progress)
	}

	indexCh := make(chan catalog.SourceIndex, 64)
	vacuumCh := make(chan catalog.SourceTable, 64)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(indexCh)
		defer close(vacuumCh)
		return o.runTableWorkers(gctx, jobs, indexCh, vacuumCh)
	})

	g.Go(func() error { return o.runIndexWorkers(gctx, indexCh) })
	g.Go(func() error { return o.runVacuumWorkers(gctx, vacuumCh) })

	if !o.Cfg.SkipLargeObjects {
		g.Go(func() error { return o.CopyBlobs(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return o.CopySequences(ctx)
}

// runTableWorkers is CopyTables' body, extended to publish each table to
// indexCh/vacuumCh as soon as it (or its last remaining partition) is
// done, instead of only returning once every table is copied.
func (o *Orchestrator) runTableWorkers(ctx context.Context, jobs []copyJob, indexCh chan<- catalog.SourceIndex, vacuumCh chan<- catalog.SourceTable) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(o.Cfg.TableJobs, 1))

	var completed int64
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if err := o.copyOneTable(gctx, job); err != nil {
				if o.Cfg.FailFast {
					return err
				}
				o.Logger.Err(err).Str("table", job.table.QualifiedName()).Msg("table copy failed, continuing (fail-fast disabled)")
				if o.Metrics != nil {
					o.Metrics.RecordError(err)
				}
				return nil
			}
			atomic.AddInt64(&completed, 1)

			last := job.part == nil
			if !last && o.allPartsDone(job.table) {
				claimed, err := o.claimTablePublish(job.table)
				if err != nil {
					return err
				}
				last = claimed
			}
			if !last {
				return nil
			}
			return o.publishTable(gctx, job.table, indexCh, vacuumCh)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.Logger.Info().Int64("tables_copied", completed).Int("total_jobs", len(jobs)).Msg("table copy phase complete")
	return nil
}

// runIndexWorkers consumes indexCh with a bounded pool of Cfg.IndexJobs
// workers, building each index and attaching its backing constraint (if
// any) before moving to the next queued index.
func (o *Orchestrator) runIndexWorkers(ctx context.Context, indexCh <-chan catalog.SourceIndex) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(o.Cfg.IndexJobs, 1))
	for idx := range indexCh {
		idx := idx
		g.Go(func() error {
			if err := o.buildIndex(gctx, idx); err != nil {
				return err
			}
			if idx.HasConstraint() {
				return o.attachConstraint(gctx, idx)
			}
			return nil
		})
	}
	return g.Wait()
}

// runVacuumWorkers consumes vacuumCh with a bounded pool of
// Cfg.VacuumJobs workers, one VACUUM ANALYZE per table.
func (o *Orchestrator) runVacuumWorkers(ctx context.Context, vacuumCh <-chan catalog.SourceTable) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(o.Cfg.VacuumJobs, 1))
	for t := range vacuumCh {
		t := t
		g.Go(func() error { return o.vacuumTable(gctx, t) })
	}
	return g.Wait()
}

// vacuumTable runs VACUUM ANALYZE on Dest for one table, recording a
// done-file so a resumed run skips tables already vacuumed.
func (o *Orchestrator) vacuumTable(ctx context.Context, t catalog.SourceTable) error {
	doneFile := o.Paths.Table(t.Namespace, t.Relation, 0).DoneFile + ".vacuum"
	if fileExists(doneFile) {
		if o.Metrics != nil {
			o.Metrics.TableVacuumed(t.Namespace, t.Relation)
		}
		return nil
	}
	stmt := fmt.Sprintf("VACUUM ANALYZE %s", qualifiedIdent(t.Namespace, t.Relation))
	if _, err := o.Dest.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("vacuum %s: %w", t.QualifiedName(), err)
	}
	if err := os.WriteFile(doneFile, []byte("ok\n"), 0o644); err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.TableVacuumed(t.Namespace, t.Relation)
	}
	return nil
}

// streamCopy pipes COPY TO STDOUT on src directly into COPY FROM STDIN
// on dst without buffering the whole table in memory, the same
// streaming shape pg_dump/pg_restore --jobs use under the hood.
func (o *Orchestrator) streamCopy(ctx context.Context, src, dst *pgx.Conn, copySQL, pasteSQL string) (int64, error) {
	pr, pw := io.Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := src.PgConn().CopyTo(ctx, pw, copySQL)
		errCh <- pw.CloseWithError(err)
	}()

	tag, err := dst.PgConn().CopyFrom(ctx, pr, pasteSQL)
	pr.Close()
	if writerErr := <-errCh; writerErr != nil && err == nil {
		err = writerErr
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CopyIndexes creates every index (bounded by Cfg.IndexJobs) and then
// attaches the constraints they back (bounded by attachSem), recording
// each step in its own done-file so a crash mid-build can resume at the
// statement that was interrupted rather than redoing finished work.
func (o *Orchestrator) CopyIndexes(ctx context.Context, tables []catalog.SourceTable) error {
	indexCh := make(chan catalog.SourceIndex, 64)
	go func() {
		defer close(indexCh)
		for _, t := range tables {
			for _, idx := range t.IndexList {
				select {
				case indexCh <- idx:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return o.runIndexWorkers(ctx, indexCh)
}

func (o *Orchestrator) buildIndex(ctx context.Context, idx catalog.SourceIndex) error {
	artifact := o.Paths.Index(idx.IndexOID)
	if fileExists(artifact.DoneFile) {
		if o.Metrics != nil {
			o.Metrics.IndexBuilt(idx.IndexNamespace, idx.TableRelation)
		}
		return nil
	}
	if o.Metrics != nil {
		o.Metrics.IndexStarted(idx.IndexNamespace, idx.TableRelation)
	}
	sum := summary.OpenIndex(idx.IndexOID, idx.IndexNamespace, idx.IndexRelation, idx.Definition, false)
	if err := sum.WriteLock(artifact.LockFile); err != nil {
		return fmt.Errorf("write index lock: %w", err)
	}
	if _, err := o.Dest.Exec(ctx, idx.Definition); err != nil {
		return fmt.Errorf("create index %s: %w", idx.IndexRelation, err)
	}
	if err := sum.Finish(artifact.DoneFile); err != nil {
		return err
	}
	if o.Metrics != nil {
		o.Metrics.IndexBuilt(idx.IndexNamespace, idx.TableRelation)
	}
	return nil
}

func (o *Orchestrator) attachConstraint(ctx context.Context, idx catalog.SourceIndex) error {
	artifact := o.Paths.Index(idx.IndexOID)
	if fileExists(artifact.ConstraintDoneFile) {
		return nil
	}
	if err := o.attachSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire constraint-attach slot: %w", err)
	}
	defer o.attachSem.Release(1)

	stmt := attachConstraintSQL(idx)
	sum := summary.OpenIndex(idx.ConstraintOID, idx.IndexNamespace, idx.ConstraintName, stmt, true)
	if err := sum.WriteLock(artifact.LockFile); err != nil {
		return fmt.Errorf("write constraint lock: %w", err)
	}
	if _, err := o.Dest.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("attach constraint %s: %w", idx.ConstraintName, err)
	}
	return sum.Finish(artifact.ConstraintDoneFile)
}

// attachConstraintSQL renders the ALTER TABLE statement that attaches a
// constraint to the table. Primary-key and unique constraints adopt the
// index already built for them via USING INDEX, so the build work is
// never repeated; exclusion constraints cannot adopt an existing index
// and fall back to their full definition.
func attachConstraintSQL(idx catalog.SourceIndex) string {
	var kind string
	switch idx.ConstraintType {
	case "p":
		kind = "PRIMARY KEY"
	case "u":
		kind = "UNIQUE"
	default:
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
			qualifiedIdent(idx.IndexNamespace, idx.TableRelation), quoteIdent(idx.ConstraintName), idx.ConstraintDefinition)
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
		qualifiedIdent(idx.IndexNamespace, idx.TableRelation), quoteIdent(idx.ConstraintName), kind, quoteIdent(idx.IndexRelation))
}

// CopySequences copies every sequence's last_value to Dest via setval,
// recording a single done-file for the whole step.
func (o *Orchestrator) CopySequences(ctx context.Context) error {
	if fileExists(o.Paths.SequencesDoneFile) {
		return nil
	}
	sequences, err := o.Catalog.ListSequences(ctx)
	if err != nil {
		return fmt.Errorf("list sequences: %w", err)
	}
	for _, seq := range sequences {
		stmt := fmt.Sprintf("SELECT setval(%s, %d, true)",
			quoteLiteral(qualifiedIdent(seq.Namespace, seq.Name)), seq.LastValue)
		if _, err := o.Dest.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("setval %s.%s: %w", seq.Namespace, seq.Name, err)
		}
	}
	return os.WriteFile(o.Paths.SequencesDoneFile, []byte(fmt.Sprintf("%d\n", len(sequences))), 0o644)
}

// CopyBlobs copies every large object from Source to Dest via lo_export/
// lo_import's in-memory streaming equivalent (pgx large-object API),
// recording the count in BlobsSummary.
func (o *Orchestrator) CopyBlobs(ctx context.Context) error {
	if fileExists(o.Paths.BlobsDoneFile) {
		return nil
	}
	sum := summary.OpenBlobs()
	lockFile := o.Paths.BlobsDoneFile + ".lock"
	if err := sum.WriteLock(lockFile); err != nil {
		return fmt.Errorf("write blobs lock: %w", err)
	}

	count, err := o.Catalog.CountLargeObjects(ctx)
	if err != nil {
		return fmt.Errorf("count large objects: %w", err)
	}
	if count > 0 {
		if err := o.copyLargeObjects(ctx); err != nil {
			return fmt.Errorf("copy large objects: %w", err)
		}
	}
	if o.Metrics != nil {
		o.Metrics.BlobsDone(count)
	}
	return sum.Finish(o.Paths.BlobsDoneFile, count)
}

func (o *Orchestrator) copyLargeObjects(ctx context.Context) error {
	srcTx, err := o.Source.Begin(ctx)
	if err != nil {
		return err
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	dstTx, err := o.Dest.Begin(ctx)
	if err != nil {
		return err
	}
	defer dstTx.Rollback(ctx) //nolint:errcheck

	rows, err := srcTx.Query(ctx, "SELECT oid FROM pg_largeobject_metadata ORDER BY oid")
	if err != nil {
		return err
	}
	defer rows.Close()

	srcLO := srcTx.LargeObjects()
	dstLO := dstTx.LargeObjects()

	for rows.Next() {
		var oid uint32
		if err := rows.Scan(&oid); err != nil {
			return err
		}
		srcObj, err := srcLO.Open(ctx, oid, pgx.LargeObjectModeRead)
		if err != nil {
			return fmt.Errorf("open source blob %d: %w", oid, err)
		}
		newOID, err := dstLO.Create(ctx, oid)
		if err != nil {
			srcObj.Close()
			return fmt.Errorf("create dest blob %d: %w", oid, err)
		}
		dstObj, err := dstLO.Open(ctx, newOID, pgx.LargeObjectModeWrite)
		if err != nil {
			srcObj.Close()
			return fmt.Errorf("open dest blob %d: %w", oid, err)
		}
		if _, err := io.Copy(dstObj, srcObj); err != nil {
			srcObj.Close()
			dstObj.Close()
			return fmt.Errorf("stream blob %d: %w", oid, err)
		}
		srcObj.Close()
		dstObj.Close()
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := dstTx.Commit(ctx); err != nil {
		return err
	}
	return srcTx.Commit(ctx)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// lockHeldByLiveProcess reads the pid recorded in a lock file's summary
// and reports whether that process is still running and is not this one.
// A dead owner's lock is taken over; a live foreign owner's step is
// skipped so two resumed invocations against the same work directory
// never race on one table.
func lockHeldByLiveProcess(lockFile string) (bool, int) {
	s, err := summary.ReadTableSummary(lockFile)
	if err != nil || s.PID <= 0 || s.PID == os.Getpid() {
		return false, 0
	}
	proc, err := os.FindProcess(s.PID)
	if err != nil {
		return false, s.PID
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, s.PID
	}
	return true, s.PID
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func quoteIdent(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"', '"')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '"')
	return string(out)
}

func qualifiedIdent(namespace, relation string) string {
	return quoteIdent(namespace) + "." + quoteIdent(relation)
}

func quoteLiteral(s string) string {
	return "'" + s + "'"
}
