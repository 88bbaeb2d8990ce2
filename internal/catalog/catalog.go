// Package catalog queries the source database's catalog (tables,
// indexes, sequences, extensions, large objects) and computes the
// per-table partition plan the parallel copy orchestrator drives from.
package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// TablePart is one non-overlapping, sorted slice of a partitioned
// table's key domain, covering [Min, Max] inclusive.
type TablePart struct {
	PartNumber int
	PartCount  int
	Min        int64
	Max        int64
}

// SourceTable describes one user table eligible for COPY, including
// its computed partition plan when it is large enough to split.
type SourceTable struct {
	OID         uint32
	Namespace   string
	Relation    string
	Bytes       int64
	RowEstimate int64
	PartKey     string
	Parts       []TablePart
	IndexList   []SourceIndex
}

// QualifiedName returns namespace.relation.
func (t SourceTable) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Namespace, t.Relation)
}

// SourceIndex describes one index and, when it backs a constraint
// (primary key, unique, exclusion), the constraint it backs.
// ConstraintType is pg_constraint.contype ("p", "u", "x"), empty when
// the index backs no constraint.
type SourceIndex struct {
	IndexOID             uint32
	ConstraintOID        uint32
	IndexNamespace       string
	IndexRelation        string
	TableRelation        string
	ConstraintName       string
	ConstraintType       string
	Definition           string
	ConstraintDefinition string
}

// HasConstraint reports whether the index backs a constraint.
func (i SourceIndex) HasConstraint() bool {
	return i.ConstraintOID != 0
}

// SourceSequence describes one sequence and its current value, needed
// to replay sequence state on the target after table data is copied.
type SourceSequence struct {
	Namespace string
	Name      string
	LastValue int64
}

// Catalog queries the source database's catalog.
type Catalog struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a Catalog bound to the source connection pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Catalog {
	return &Catalog{pool: pool, logger: logger.With().Str("component", "catalog").Logger()}
}

// maxPartsPerTable bounds how many parts a single table is split into
// regardless of size, so a pathologically huge table does not spawn
// thousands of COPY workers.
const maxPartsPerTable = 64

// ListTables returns every user table along with its computed
// partition plan. A table is split iff its size is at least
// splitThresholdBytes and it has an integer-typed single-column
// primary key to partition on; splitThresholdBytes <= 0 disables
// partitioning entirely.
func (c *Catalog) ListTables(ctx context.Context, splitThresholdBytes int64) ([]SourceTable, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT c.oid, n.nspname, c.relname,
			COALESCE(pg_table_size(c.oid), 0),
			COALESCE(s.n_live_tup, 0)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
		WHERE c.relkind = 'r'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY pg_table_size(c.oid) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []SourceTable
	for rows.Next() {
		var t SourceTable
		if err := rows.Scan(&t.OID, &t.Namespace, &t.Relation, &t.Bytes, &t.RowEstimate); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tables {
		if splitThresholdBytes > 0 && tables[i].Bytes >= splitThresholdBytes {
			if err := c.planPartitions(ctx, &tables[i], splitThresholdBytes); err != nil {
				return nil, fmt.Errorf("plan partitions for %s: %w", tables[i].QualifiedName(), err)
			}
		}
		indexes, err := c.ListIndexes(ctx, tables[i].OID)
		if err != nil {
			return nil, fmt.Errorf("list indexes for %s: %w", tables[i].QualifiedName(), err)
		}
		tables[i].IndexList = indexes
	}

	return tables, nil
}

// planPartitions detects a single-column integer primary key and, if
// found, splits [min,max] into ceil(bytes/splitThresholdBytes) equal,
// non-overlapping ranges, capped at maxPartsPerTable.
func (c *Catalog) planPartitions(ctx context.Context, t *SourceTable, splitThresholdBytes int64) error {
	partKey, err := c.integerPrimaryKeyColumn(ctx, t.OID)
	if err != nil {
		return err
	}
	if partKey == "" {
		return nil
	}

	qn := t.QualifiedName()
	var min, max int64
	var rowCount int64
	// COALESCE keeps the scan valid for an empty table, where min/max are NULL.
	query := fmt.Sprintf(`SELECT COALESCE(min(%s), 0), COALESCE(max(%s), 0), count(*) FROM %s`,
		quoteIdent(partKey), quoteIdent(partKey), qualifiedIdent(t.Namespace, t.Relation))
	if err := c.pool.QueryRow(ctx, query).Scan(&min, &max, &rowCount); err != nil {
		return fmt.Errorf("compute key range for %s: %w", qn, err)
	}
	if rowCount == 0 || min >= max {
		return nil
	}

	t.PartKey = partKey
	t.Parts = computePartitionRanges(min, max, t.Bytes, splitThresholdBytes)
	return nil
}

// computePartitionRanges splits [min, max] into
// ceil(bytes/splitThresholdBytes) equal, non-overlapping, sorted
// ranges covering the whole domain, capped at maxPartsPerTable. A
// table that would only get one part (too small to split) gets none.
func computePartitionRanges(min, max, bytes, splitThresholdBytes int64) []TablePart {
	partCount := int(math.Ceil(float64(bytes) / float64(splitThresholdBytes)))
	if partCount < 2 {
		return nil
	}
	if partCount > maxPartsPerTable {
		partCount = maxPartsPerTable
	}

	span := max - min + 1
	step := span / int64(partCount)
	if step < 1 {
		step = 1
	}

	parts := make([]TablePart, 0, partCount)
	cur := min
	for n := 1; n <= partCount; n++ {
		partMax := cur + step - 1
		if n == partCount || partMax > max {
			partMax = max
		}
		parts = append(parts, TablePart{PartNumber: n, PartCount: partCount, Min: cur, Max: partMax})
		cur = partMax + 1
		if cur > max {
			break
		}
	}
	return parts
}

// integerPrimaryKeyColumn returns the column name of the table's
// primary key when it is a single integer-typed column, or "" when
// the table has no primary key or a composite/non-integer one.
func (c *Catalog) integerPrimaryKeyColumn(ctx context.Context, tableOID uint32) (string, error) {
	var cols []string
	rows, err := c.pool.Query(ctx, `
		SELECT a.attname, a.atttypid::regtype::text
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1 AND i.indisprimary`, tableOID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var name, typ string
	for rows.Next() {
		if err := rows.Scan(&name, &typ); err != nil {
			return "", err
		}
		cols = append(cols, typ)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(cols) != 1 {
		return "", nil
	}
	switch cols[0] {
	case "integer", "bigint", "smallint":
		return name, nil
	default:
		return "", nil
	}
}

// ListIndexes returns every index on the given table, pairing each
// with the constraint it backs, if any.
func (c *Catalog) ListIndexes(ctx context.Context, tableOID uint32) ([]SourceIndex, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT ic.oid, n.nspname, ic.relname, t.relname,
			COALESCE(con.oid, 0), COALESCE(con.conname, ''),
			COALESCE(con.contype::text, ''),
			pg_get_indexdef(ic.oid),
			COALESCE(pg_get_constraintdef(con.oid), '')
		FROM pg_index i
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_class t ON t.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = ic.relnamespace
		LEFT JOIN pg_constraint con ON con.conindid = i.indexrelid
		WHERE i.indrelid = $1
		ORDER BY ic.relname`, tableOID)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var indexes []SourceIndex
	for rows.Next() {
		var idx SourceIndex
		if err := rows.Scan(&idx.IndexOID, &idx.IndexNamespace, &idx.IndexRelation, &idx.TableRelation,
			&idx.ConstraintOID, &idx.ConstraintName, &idx.ConstraintType,
			&idx.Definition, &idx.ConstraintDefinition); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, rows.Err()
}

// ListSequences returns every sequence and its current last value.
func (c *Catalog) ListSequences(ctx context.Context) ([]SourceSequence, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var names [][2]string
	for rows.Next() {
		var ns, name string
		if err := rows.Scan(&ns, &name); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		names = append(names, [2]string{ns, name})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sequences := make([]SourceSequence, 0, len(names))
	for _, nm := range names {
		var lastValue int64
		q := fmt.Sprintf("SELECT last_value FROM %s", qualifiedIdent(nm[0], nm[1]))
		if err := c.pool.QueryRow(ctx, q).Scan(&lastValue); err != nil {
			return nil, fmt.Errorf("read last_value for %s.%s: %w", nm[0], nm[1], err)
		}
		sequences = append(sequences, SourceSequence{Namespace: nm[0], Name: nm[1], LastValue: lastValue})
	}
	return sequences, nil
}

// ListExtensions returns the names of extensions installed in the
// source database, in dependency-safe creation order (extension oid
// creation order, which pg_available_extensions does not guarantee
// but pg_extension's own oid ordering approximates).
func (c *Catalog) ListExtensions(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT extname FROM pg_extension ORDER BY oid`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan extension: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountLargeObjects returns the number of large objects (blobs) in
// the source database.
func (c *Catalog) CountLargeObjects(ctx context.Context) (int64, error) {
	var count int64
	err := c.pool.QueryRow(ctx, "SELECT count(*) FROM pg_largeobject_metadata").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count large objects: %w", err)
	}
	return count, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualifiedIdent(namespace, relation string) string {
	return quoteIdent(namespace) + "." + quoteIdent(relation)
}
