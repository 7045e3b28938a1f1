package kvstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/ravault/pkg/ratypes"
	bolt "go.etcd.io/bbolt"
)

var metaBucket = []byte("__meta__")
var lsnCounterKey = []byte("lsn_counter")

func bucketName(rowType RowType) []byte { return []byte("rt_" + string(rowType)) }

// BoltEngine is the durable Engine implementation backed by bbolt,
// generalizing the teacher's fixed-bucket-per-entity layout
// (pkg/storage/boltdb.go) into one bucket per RowType plus an LSN counter.
type BoltEngine struct {
	db       *bolt.DB
	path     string
	txSeq    uint64
	writeMu  sync.Mutex // bbolt allows one writable transaction at a time; serialize explicitly so Commit's LSN-assignment pass is atomic with the write.
	closed   atomic.Bool
	fatal    func(error)
}

// NewBoltEngine opens (creating if absent) a bbolt database rooted at
// dataDir/kvstore.db.
func NewBoltEngine(dataDir string) (*BoltEngine, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "kvstore.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := db.Update(func(btx *bolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(metaBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init meta bucket: %w", err)
	}
	return &BoltEngine{
		db:    db,
		path:  path,
		fatal: func(error) { panic("kvstore: fatal store error") },
	}, nil
}

// SetFatalHandler overrides the default panic-on-fatal behavior (spec §6.4
// assert_on_fatal_error), e.g. for tests.
func (e *BoltEngine) SetFatalHandler(h func(error)) { e.fatal = h }

type pendingRow struct {
	rowType  RowType
	key      string
	row      ratypes.Row
	needsLSN bool
}

type boltTx struct {
	id        uint64
	isolation ratypes.IsolationLevel
	btx       *bolt.Tx
	pending   []*pendingRow
	done      bool
}

func (t *boltTx) ID() uint64                           { return t.id }
func (t *boltTx) Isolation() ratypes.IsolationLevel     { return t.isolation }

func (e *BoltEngine) BeginTransaction(ctx context.Context, isolation ratypes.IsolationLevel) (Tx, error) {
	if e.closed.Load() {
		return nil, ratypes.ErrObjectClosed
	}
	e.writeMu.Lock()
	btx, err := e.db.Begin(true)
	if err != nil {
		e.writeMu.Unlock()
		return nil, ratypes.NewError(ratypes.ErrorKindStoreBusy, "", "", err.Error(), err)
	}
	return &boltTx{
		id:        atomic.AddUint64(&e.txSeq, 1),
		isolation: isolation,
		btx:       btx,
	}, nil
}

func asBoltTx(tx Tx) (*boltTx, error) {
	bt, ok := tx.(*boltTx)
	if !ok || bt.done {
		return nil, ratypes.NewError(ratypes.ErrorKindObjectClosed, "", "", "invalid or finished transaction handle", nil)
	}
	return bt, nil
}

func (e *BoltEngine) Insert(tx Tx, rowType RowType, key string, value []byte, lsn *int64) error {
	bt, err := asBoltTx(tx)
	if err != nil {
		return err
	}
	b, err := bt.btx.CreateBucketIfNotExists(bucketName(rowType))
	if err != nil {
		return err
	}
	if existing := b.Get([]byte(key)); existing != nil {
		var cur ratypes.Row
		if jerr := json.Unmarshal(existing, &cur); jerr == nil && !cur.IsTombstone() {
			return ratypes.NewError(ratypes.ErrorKindKeyExists, "", "", fmt.Sprintf("%s/%s already exists", rowType, key), nil)
		}
	}
	now := time.Now().UTC()
	row := ratypes.Row{
		Type:                     string(rowType),
		Key:                      key,
		Value:                    value,
		LastModifiedUTC:          now,
		LastModifiedOnPrimaryUTC: now,
	}
	needsLSN := true
	if lsn != nil {
		row.OperationLSN = *lsn
		needsLSN = false
	}
	if err := putRow(b, key, row); err != nil {
		return err
	}
	bt.pending = append(bt.pending, &pendingRow{rowType: rowType, key: key, row: row, needsLSN: needsLSN})
	return nil
}

func (e *BoltEngine) Update(tx Tx, rowType RowType, key string, checkLSN *int64, newValue []byte, lsn *int64) error {
	bt, err := asBoltTx(tx)
	if err != nil {
		return err
	}
	b, err := bt.btx.CreateBucketIfNotExists(bucketName(rowType))
	if err != nil {
		return err
	}
	existing := b.Get([]byte(key))
	if existing == nil {
		return ratypes.NewError(ratypes.ErrorKindNotFound, "", "", fmt.Sprintf("%s/%s not found", rowType, key), nil)
	}
	var cur ratypes.Row
	if err := json.Unmarshal(existing, &cur); err != nil {
		e.fatal(err)
		return ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt row", err)
	}
	if cur.IsTombstone() {
		return ratypes.NewError(ratypes.ErrorKindNotFound, "", "", fmt.Sprintf("%s/%s not found", rowType, key), nil)
	}
	if checkLSN != nil && cur.OperationLSN != *checkLSN {
		return ratypes.NewError(ratypes.ErrorKindWriteConflict, "", "", fmt.Sprintf("%s/%s lsn mismatch", rowType, key), nil)
	}
	now := time.Now().UTC()
	row := cur
	row.Value = newValue
	row.LastModifiedUTC = now
	row.LastModifiedOnPrimaryUTC = now
	needsLSN := true
	if lsn != nil {
		row.OperationLSN = *lsn
		needsLSN = false
	}
	if err := putRow(b, key, row); err != nil {
		return err
	}
	bt.pending = append(bt.pending, &pendingRow{rowType: rowType, key: key, row: row, needsLSN: needsLSN})
	return nil
}

func (e *BoltEngine) Delete(tx Tx, rowType RowType, key string, checkLSN *int64) error {
	bt, err := asBoltTx(tx)
	if err != nil {
		return err
	}
	b, err := bt.btx.CreateBucketIfNotExists(bucketName(rowType))
	if err != nil {
		return err
	}
	existing := b.Get([]byte(key))
	if existing == nil {
		return ratypes.NewError(ratypes.ErrorKindNotFound, "", "", fmt.Sprintf("%s/%s not found", rowType, key), nil)
	}
	var cur ratypes.Row
	if err := json.Unmarshal(existing, &cur); err != nil {
		e.fatal(err)
		return ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt row", err)
	}
	if cur.IsTombstone() {
		return ratypes.NewError(ratypes.ErrorKindNotFound, "", "", fmt.Sprintf("%s/%s not found", rowType, key), nil)
	}
	if checkLSN != nil && cur.OperationLSN != *checkLSN {
		return ratypes.NewError(ratypes.ErrorKindWriteConflict, "", "", fmt.Sprintf("%s/%s lsn mismatch", rowType, key), nil)
	}
	now := time.Now().UTC()
	row := ratypes.Row{
		Type:                     string(rowType),
		Key:                      key,
		Value:                    nil, // tombstone
		LastModifiedUTC:          now,
		LastModifiedOnPrimaryUTC: now,
	}
	if err := putRow(b, key, row); err != nil {
		return err
	}
	bt.pending = append(bt.pending, &pendingRow{rowType: rowType, key: key, row: row, needsLSN: true})
	return nil
}

// PurgeTombstone physically removes a tombstone row. It returns ErrNotFound
// if the row is absent and an ErrorKindContractViolation error if the row is
// live, so cleanup passes racing against a concurrent overwrite fail loudly
// rather than silently deleting live data.
func (e *BoltEngine) PurgeTombstone(tx Tx, rowType RowType, key string) error {
	bt, err := asBoltTx(tx)
	if err != nil {
		return err
	}
	b := bt.btx.Bucket(bucketName(rowType))
	if b == nil {
		return ratypes.ErrNotFound
	}
	existing := b.Get([]byte(key))
	if existing == nil {
		return ratypes.ErrNotFound
	}
	var cur ratypes.Row
	if err := json.Unmarshal(existing, &cur); err != nil {
		e.fatal(err)
		return ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt row", err)
	}
	if !cur.IsTombstone() {
		return ratypes.NewError(ratypes.ErrorKindContractViolation, "", "", fmt.Sprintf("%s/%s is not a tombstone", rowType, key), nil)
	}
	return b.Delete([]byte(key))
}

func (e *BoltEngine) GetOperationLSN(tx Tx, rowType RowType, key string) (int64, error) {
	bt, err := asBoltTx(tx)
	if err != nil {
		return 0, err
	}
	b := bt.btx.Bucket(bucketName(rowType))
	if b == nil {
		return 0, ratypes.ErrNotFound
	}
	data := b.Get([]byte(key))
	if data == nil {
		return 0, ratypes.ErrNotFound
	}
	var row ratypes.Row
	if err := json.Unmarshal(data, &row); err != nil {
		return 0, ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt row", err)
	}
	if row.IsTombstone() {
		return 0, ratypes.ErrNotFound
	}
	return row.OperationLSN, nil
}

func putRow(b *bolt.Bucket, key string, row ratypes.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// boltCursor is a materialized, already-sorted cursor: the copy/enumeration
// operations here are bounded catch-up scans, not hot-path reads, so
// collecting into memory up front keeps the bbolt Cursor (which is only
// valid for the lifetime of its transaction) from escaping the Tx.
type boltCursor struct {
	rows []ratypes.Row
	idx  int
}

func (c *boltCursor) Next() bool {
	if c.idx >= len(c.rows) {
		return false
	}
	c.idx++
	return true
}
func (c *boltCursor) Row() ratypes.Row { return c.rows[c.idx-1] }
func (c *boltCursor) Err() error       { return nil }
func (c *boltCursor) Close() error     { return nil }

func (e *BoltEngine) EnumerateByTypeAndKey(tx Tx, rowType RowType, keyStart string) (Cursor, error) {
	bt, err := asBoltTx(tx)
	if err != nil {
		return nil, err
	}
	b := bt.btx.Bucket(bucketName(rowType))
	cur := &boltCursor{}
	if b == nil {
		return cur, nil
	}
	c := b.Cursor()
	for k, v := c.Seek([]byte(keyStart)); k != nil; k, v = c.Next() {
		var row ratypes.Row
		if err := json.Unmarshal(v, &row); err != nil {
			return nil, ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt row", err)
		}
		cur.rows = append(cur.rows, row)
	}
	return cur, nil
}

func (e *BoltEngine) CreateEnumerationByOperationLSN(tx Tx, fromLSN int64) (Cursor, error) {
	bt, err := asBoltTx(tx)
	if err != nil {
		return nil, err
	}
	cur := &boltCursor{}
	err = bt.btx.ForEach(func(name []byte, b *bolt.Bucket) error {
		if string(name) == string(metaBucket) {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var row ratypes.Row
			if uerr := json.Unmarshal(v, &row); uerr != nil {
				return uerr
			}
			if row.OperationLSN > fromLSN {
				cur.rows = append(cur.rows, row)
			}
			return nil
		})
	})
	if err != nil {
		return nil, ratypes.NewError(ratypes.ErrorKindCorruptStore, "", "", "corrupt store during enumeration", err)
	}
	sort.Slice(cur.rows, func(i, j int) bool { return cur.rows[i].OperationLSN < cur.rows[j].OperationLSN })
	return cur, nil
}

func (e *BoltEngine) Commit(ctx context.Context, tx Tx, timeout time.Duration) (int64, error) {
	bt, err := asBoltTx(tx)
	if err != nil {
		return 0, err
	}
	defer e.writeMu.Unlock()
	bt.done = true

	meta, err := bt.btx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		_ = bt.btx.Rollback()
		return 0, err
	}
	counter := int64(0)
	if v := meta.Get(lsnCounterKey); v != nil {
		counter = int64(binary.BigEndian.Uint64(v))
	}

	var commitLSN int64
	for _, p := range bt.pending {
		if p.needsLSN {
			counter++
			p.row.OperationLSN = counter
			b := bt.btx.Bucket(bucketName(p.rowType))
			if err := putRow(b, p.key, p.row); err != nil {
				_ = bt.btx.Rollback()
				return 0, err
			}
		}
		if p.row.OperationLSN > commitLSN {
			commitLSN = p.row.OperationLSN
		}
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(counter))
	if err := meta.Put(lsnCounterKey, buf); err != nil {
		_ = bt.btx.Rollback()
		return 0, err
	}

	if err := bt.btx.Commit(); err != nil {
		return 0, ratypes.NewError(ratypes.ErrorKindTimeout, "", "", "commit failed", err)
	}
	return commitLSN, nil
}

func (e *BoltEngine) Rollback(tx Tx) error {
	bt, err := asBoltTx(tx)
	if err != nil {
		return err
	}
	defer e.writeMu.Unlock()
	bt.done = true
	return bt.btx.Rollback()
}

func (e *BoltEngine) EstimateRowCount() (int64, error) {
	var count int64
	err := e.db.View(func(btx *bolt.Tx) error {
		return btx.ForEach(func(name []byte, b *bolt.Bucket) error {
			if string(name) == string(metaBucket) {
				return nil
			}
			count += int64(b.Stats().KeyN)
			return nil
		})
	})
	return count, err
}

func (e *BoltEngine) EstimateDBSizeBytes() (int64, error) {
	info, err := os.Stat(e.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Backup implements spec §4.1/§4.3: Full snapshots all rows via bbolt's
// native hot-backup (Tx.WriteTo) into dir/kvstore.db; Incremental and
// TruncateLogsOnly have no meaningful analog for a bbolt single-file store
// (bbolt has no separate log files to truncate), so they degrade to Full.
// The requested mode is not recorded: no manifest is written, and the
// archive holds only kvstore.db.
func (e *BoltEngine) Backup(ctx context.Context, dir string, mode BackupMode) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	destPath := filepath.Join(dir, "kvstore.db")
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.db.View(func(btx *bolt.Tx) error {
		_, err := btx.WriteTo(f)
		return err
	})
}

func (e *BoltEngine) Restore(ctx context.Context, dir string) error {
	srcPath := filepath.Join(dir, "kvstore.db")
	if _, err := os.Stat(srcPath); err != nil {
		return ratypes.NewError(ratypes.ErrorKindNotFound, "", "", "backup archive not found", err)
	}
	if err := e.db.Close(); err != nil {
		return err
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(e.path, data, 0o600); err != nil {
		return err
	}
	db, err := bolt.Open(e.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	e.db = db
	return nil
}

// Compact copies live pages into a fresh file and swaps it in, bbolt's
// documented idiom for reclaiming free-list space (bbolt has no online
// compaction).
func (e *BoltEngine) Compact(ctx context.Context) error {
	tmpPath := e.path + ".compact"
	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return err
	}
	if err := e.db.View(func(srcTx *bolt.Tx) error {
		return dst.Update(func(dstTx *bolt.Tx) error {
			return srcTx.ForEach(func(name []byte, b *bolt.Bucket) error {
				newB, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return err
				}
				return b.ForEach(func(k, v []byte) error { return newB.Put(k, v) })
			})
		})
	}); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	if err := e.db.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		return err
	}
	db, err := bolt.Open(e.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	e.db = db
	return nil
}

func (e *BoltEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}
