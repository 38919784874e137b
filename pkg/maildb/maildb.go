package maildb

import (
	"encoding/binary"
	"path/filepath"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmapd/jmapd/pkg/mlog"
)

// DB is the pebble-backed mail store shared by the JMAP layer and the
// replication core.
type DB struct {
	db     *pebble.DB
	opts   *Options
	sync   *pebble.WriteOptions
	noSync *pebble.WriteOptions
	endian binary.ByteOrder
	mlog.Log
	messageIdGen *snowflake.Node
	mailboxCache *lru.Cache[uint64, *Mailbox]
}

func NewDB(opts *Options) *DB {
	messageIdGen, err := snowflake.NewNode(int64(opts.NodeId % 1024))
	if err != nil {
		panic(err)
	}
	mailboxCache, err := lru.New[uint64, *Mailbox](opts.MailboxCacheSize)
	if err != nil {
		panic(err)
	}
	return &DB{
		opts:         opts,
		endian:       binary.BigEndian,
		messageIdGen: messageIdGen,
		mailboxCache: mailboxCache,
		sync: &pebble.WriteOptions{
			Sync: true,
		},
		noSync: &pebble.WriteOptions{
			Sync: false,
		},
		Log: mlog.NewMLog("maildb"),
	}
}

func (d *DB) defaultPebbleOptions() *pebble.Options {
	blockSize := 32 * 1024

	lopts := make([]pebble.LevelOptions, 0)
	var numOfLevels int64 = 7
	for l := int64(0); l < numOfLevels; l++ {
		opt := pebble.LevelOptions{
			BlockSize:      blockSize,
			TargetFileSize: 16 * 1024 * 1024,
		}
		lopts = append(lopts, opt)
	}
	return &pebble.Options{
		Levels:                      lopts,
		FormatMajorVersion:          pebble.FormatNewest,
		MemTableSize:                d.opts.MemTableSize,
		MemTableStopWritesThreshold: 4,
		MaxManifestFileSize:         128 * 1024 * 1024,
		LBaseMaxBytes:               4 * 1024 * 1024 * 1024,
		L0CompactionFileThreshold:   8,
		L0StopWritesThreshold:       24,
	}
}

func (d *DB) Open() error {
	db, err := pebble.Open(filepath.Join(d.opts.DataDir, "maildb"), d.defaultPebbleOptions())
	if err != nil {
		return err
	}
	d.db = db
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// NextMessageId returns a cluster-unique message id.
func (d *DB) NextMessageId() uint64 {
	return uint64(d.messageIdGen.Generate().Int64())
}

// get returns nil without error when the key does not exist.
func (d *DB) get(key []byte) ([]byte, error) {
	value, closer, err := d.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

func (d *DB) set(key, value []byte) error {
	return d.db.Set(key, value, d.sync)
}

func (d *DB) delete(key []byte) error {
	return d.db.Delete(key, d.sync)
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
