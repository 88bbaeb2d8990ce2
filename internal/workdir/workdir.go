// Package workdir computes the on-disk path layout used by a single
// pgcopydb invocation and classifies an existing directory as
// fresh, in-progress, or complete so the CLI can decide whether a run
// may proceed, resume, or must be restarted.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Paths holds every file and directory the rest of the system needs,
// computed once from topdir.
type Paths struct {
	TopDir string

	PIDFile  string
	Snapshot string

	SchemaDir       string
	PreDataDump     string
	PostDataDump    string
	CatalogJSON     string

	RunDir             string
	PreDataDoneFile    string
	PostDataDoneFile   string
	SequencesDoneFile  string
	BlobsDoneFile      string

	TablesDir  string
	IndexesDir string

	CDCDir          string
	OriginFile      string
	TLIHistoryFile  string
	WalSegSzFile    string
	SentinelFile    string
	CDCJSONDir      string
	CDCSQLDir       string
}

// DirName is the default top-level directory name created under the
// user's temp root when no --dir flag is given.
const DirName = "pgcopydb"

// New computes Paths from a topdir. An empty dir falls back to
// os.TempDir()/pgcopydb, mirroring appconfig's search-path idiom of
// trying an explicit location before a well-known default.
func New(dir string) *Paths {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), DirName)
	}
	p := &Paths{TopDir: dir}

	p.PIDFile = filepath.Join(dir, "pidfile")
	p.Snapshot = filepath.Join(dir, "snapshot")

	p.SchemaDir = filepath.Join(dir, "schema")
	p.PreDataDump = filepath.Join(p.SchemaDir, "pre-data.sql")
	p.PostDataDump = filepath.Join(p.SchemaDir, "post-data.sql")
	p.CatalogJSON = filepath.Join(p.SchemaDir, "catalog.json")

	p.RunDir = filepath.Join(dir, "run")
	p.PreDataDoneFile = filepath.Join(p.RunDir, "pre-data.done")
	p.PostDataDoneFile = filepath.Join(p.RunDir, "post-data.done")
	p.SequencesDoneFile = filepath.Join(p.RunDir, "sequences.done")
	p.BlobsDoneFile = filepath.Join(p.RunDir, "blobs.done")

	p.TablesDir = filepath.Join(p.RunDir, "tables")
	p.IndexesDir = filepath.Join(p.RunDir, "indexes")

	p.CDCDir = cdcDir(dir)
	p.OriginFile = filepath.Join(p.CDCDir, "origin")
	p.TLIHistoryFile = filepath.Join(p.CDCDir, "tli.history")
	p.WalSegSzFile = filepath.Join(p.CDCDir, "wal_segment_size")
	p.SentinelFile = filepath.Join(p.CDCDir, "sentinel.json")
	p.CDCJSONDir = filepath.Join(p.CDCDir, "json")
	p.CDCSQLDir = filepath.Join(p.CDCDir, "sql")

	return p
}

// cdcDir resolves the CDC subtree. When topdir lives under a private
// temp root pgcopydb falls back to a per-user data home so the
// replication-origin bookkeeping survives a `/tmp` cleanup between a
// bulk copy and a later `stream` invocation against the same work dir.
func cdcDir(dir string) string {
	if !strings.HasPrefix(dir, os.TempDir()) {
		return filepath.Join(dir, "cdc")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pgcopydb", "cdc")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pgcopydb", "cdc")
	}
	return filepath.Join(dir, "cdc")
}

// TableArtifact names the per-table on-disk files. Partitioned tables
// split lockFile/doneFile by partNumber (partNumber 0 for unpartitioned).
type TableArtifact struct {
	LockFile         string
	DoneFile         string
	IdxListFile      string
	TruncateDoneFile string
}

// Table returns the artifact paths for one table/part.
func (p *Paths) Table(namespace, relation string, partNumber int) TableArtifact {
	base := tableBaseName(namespace, relation, partNumber)
	return TableArtifact{
		LockFile:         filepath.Join(p.TablesDir, base+".lock"),
		DoneFile:         filepath.Join(p.TablesDir, base+".done"),
		IdxListFile:      filepath.Join(p.TablesDir, base+".idxlist"),
		TruncateDoneFile: filepath.Join(p.TablesDir, base+".truncate"),
	}
}

// IndexArtifact names the per-index on-disk files: an index's own
// done-file and its backing constraint's, tracked separately so a
// constraint can be created well after its index finishes building.
type IndexArtifact struct {
	LockFile           string
	DoneFile           string
	ConstraintDoneFile string
}

// Index returns the artifact paths for one index.
func (p *Paths) Index(indexOid uint32) IndexArtifact {
	base := strconv.FormatUint(uint64(indexOid), 10)
	return IndexArtifact{
		LockFile:           filepath.Join(p.IndexesDir, base+".lock"),
		DoneFile:           filepath.Join(p.IndexesDir, base+".done"),
		ConstraintDoneFile: filepath.Join(p.IndexesDir, base+".constraint.done"),
	}
}

func tableBaseName(namespace, relation string, partNumber int) string {
	base := fmt.Sprintf("%s.%s", namespace, relation)
	if partNumber > 0 {
		base = fmt.Sprintf("%s.part%d", base, partNumber)
	}
	return base
}

// subdirs lists every directory that must exist with mode 0700 after
// initialization.
func (p *Paths) subdirs() []string {
	return []string{
		p.TopDir,
		p.SchemaDir,
		p.RunDir,
		p.TablesDir,
		p.IndexesDir,
		p.CDCDir,
		p.CDCJSONDir,
		p.CDCSQLDir,
	}
}

// WorkDirState classifies an existing work directory. See Invariant
// in Inspect: AllDone holds iff every component flag holds.
type WorkDirState struct {
	Exists               bool
	AllComponentsPresent bool
	SchemaDumpDone       bool
	PreDataRestored      bool
	PostDataRestored     bool
	TablesDone           bool
	IndexesDone          bool
	SequencesDone        bool
	BlobsDone            bool
	AllDone              bool
}

// Inspect is a pure function over the filesystem: it reports which
// sentinel done-files are present without mutating anything. Missing
// component directories force AllComponentsPresent to false. AllDone
// does not depend on AllComponentsPresent: it holds iff the seven
// done flags (schema dump, pre/post-data, tables, indexes, sequences,
// blobs) all hold.
func Inspect(p *Paths) (WorkDirState, error) {
	var st WorkDirState

	info, err := os.Stat(p.TopDir)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("stat work dir: %w", err)
	}
	if !info.IsDir() {
		return st, fmt.Errorf("work dir %s exists and is not a directory", p.TopDir)
	}
	st.Exists = true

	st.AllComponentsPresent = true
	for _, dir := range p.subdirs() {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			st.AllComponentsPresent = false
			break
		}
	}

	st.SchemaDumpDone = exists(p.PreDataDump) && exists(p.PostDataDump)
	st.PreDataRestored = exists(p.PreDataDoneFile)
	st.PostDataRestored = exists(p.PostDataDoneFile)
	st.SequencesDone = exists(p.SequencesDoneFile)
	st.BlobsDone = exists(p.BlobsDoneFile)

	st.TablesDone, err = allDoneInDir(p.TablesDir, ".done")
	if err != nil {
		return st, err
	}
	st.IndexesDone, err = allDoneInDir(p.IndexesDir, ".done")
	if err != nil {
		return st, err
	}

	st.AllDone = st.SchemaDumpDone && st.PreDataRestored && st.PostDataRestored &&
		st.TablesDone && st.IndexesDone && st.SequencesDone && st.BlobsDone

	return st, nil
}

// allDoneInDir reports whether every lock-file in dir has a matching
// done-file with the same base name, and whether at least one entry
// exists at all (an empty or absent directory is not "done", it is
// simply untouched).
func allDoneInDir(dir, doneSuffix string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read dir %s: %w", dir, err)
	}
	sawLock := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		sawLock = true
		base := strings.TrimSuffix(e.Name(), ".lock")
		if !exists(filepath.Join(dir, base+doneSuffix)) {
			return false, nil
		}
	}
	return sawLock, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Restart removes the entire work directory so Initialize can recreate
// it from scratch.
func Restart(p *Paths) error {
	return os.RemoveAll(p.TopDir)
}

// Initialize implements initializeWorkdir per the decision table: restart
// wins outright, an absent or schema-dump-less directory is treated as
// fresh, resume proceeds over whatever is there, a fully done directory
// without restart is rejected, and anything else in between asks the
// caller to pass --resume.
func Initialize(p *Paths, restart, resume bool) error {
	if live, pid := pidfileIsLive(p.PIDFile); live {
		return fmt.Errorf("work directory %s is in use by process %d", p.TopDir, pid)
	}

	if restart {
		if err := Restart(p); err != nil {
			return fmt.Errorf("remove work dir for restart: %w", err)
		}
		return create(p)
	}

	st, err := Inspect(p)
	if err != nil {
		return err
	}

	switch {
	case !st.Exists || !st.SchemaDumpDone:
		return create(p)
	case resume:
		return create(p)
	case st.AllDone:
		return fmt.Errorf("work directory %s already holds a complete copy; pass --restart to start over", p.TopDir)
	default:
		return fmt.Errorf("work directory %s holds an incomplete copy; pass --resume to continue or --restart to start over", p.TopDir)
	}
}

// create ensures every subdirectory exists with mode 0700 and writes
// the pidfile, taking ownership of the work directory for this process.
func create(p *Paths) error {
	for _, dir := range p.subdirs() {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return writePID(p.PIDFile)
}

func writePID(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// Release removes the pidfile, relinquishing ownership of the work
// directory. Callers invoke this on clean shutdown; a crash leaves the
// pidfile in place for pidfileIsLive to detect and reject on next run.
func Release(p *Paths) {
	os.Remove(p.PIDFile) //nolint:errcheck
}

// pidfileIsLive reports whether path names a pidfile whose pid is a
// live process. A dead pid is treated as absent, letting a later
// Initialize call take the directory over without a --restart.
func pidfileIsLive(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, pid
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false, pid
	}
	return true, pid
}
