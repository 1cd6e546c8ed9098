// Package frontier persists the crawl queue, the visited set, and the link
// graph in an ordered key-value store. Keys are laid out so that plain
// byte-order iteration yields (priority ASC, insertion order ASC):
//
//	queue:item:{priority:04}:{seq:012} -> url
//	queue:tail:{priority:04}           -> next sequence number
//	queue:size                         -> number of queued items
//	visited:{url}                      -> "1"
//	graph:{from}->{to}                 -> "1"
//
// Every write is synchronously committed, so a crash leaves the store in a
// state where each dequeued URL was either marked visited or is still
// queued. The directory is reused across runs; restarting resumes from the
// remaining queue.
package frontier

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	queueItemPrefix = "queue:item:"
	queueTailPrefix = "queue:tail:"
	queueSizeKey    = "queue:size"
	visitedPrefix   = "visited:"
	graphPrefix     = "graph:"

	maxPriority = 9999

	// Bloom sizing for the visited negative cache; a false positive only
	// costs one extra point lookup.
	bloomCapacity = 1_000_000
	bloomFPRate   = 0.01
)

var syncWrites = &opt.WriteOptions{Sync: true}

// Store is the persistent frontier. All writes are serialized through one
// mutex so the admission endpoint can enqueue concurrently with the engine.
type Store struct {
	mu   sync.Mutex
	db   *leveldb.DB
	seen *bloom.BloomFilter
}

// Open opens (or creates) the frontier store at path and warms the visited
// bloom filter from the existing keys.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open frontier store: %w", err)
	}

	s := &Store{
		db:   db,
		seen: bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
	}

	iter := db.NewIterator(util.BytesPrefix([]byte(visitedPrefix)), nil)
	for iter.Next() {
		s.seen.Add(iter.Key()[len(visitedPrefix):])
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scan visited set: %w", err)
	}

	return s, nil
}

// Close releases the underlying store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue appends url to the queue for its priority band. It returns false
// without writing for malformed input (empty URL or out-of-range
// priority).
func (s *Store) Enqueue(url string, priority int) (bool, error) {
	if url == "" || priority < 0 || priority > maxPriority {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tailKey := fmt.Sprintf("%s%04d", queueTailPrefix, priority)
	seq, err := s.readCounter(tailKey)
	if err != nil {
		return false, err
	}

	itemKey := fmt.Sprintf("%s%04d:%012d", queueItemPrefix, priority, seq)
	if err := s.db.Put([]byte(itemKey), []byte(url), syncWrites); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", url, err)
	}
	if err := s.db.Put([]byte(tailKey), []byte(strconv.FormatUint(seq+1, 10)), syncWrites); err != nil {
		return false, fmt.Errorf("advance tail: %w", err)
	}

	size, err := s.readCounter(queueSizeKey)
	if err != nil {
		return false, err
	}
	if err := s.db.Put([]byte(queueSizeKey), []byte(strconv.FormatUint(size+1, 10)), syncWrites); err != nil {
		return false, fmt.Errorf("advance queue size: %w", err)
	}

	return true, nil
}

// Dequeue removes and returns the frontmost queued URL: lowest priority
// number first, FIFO within a priority. ok is false when the queue is
// empty.
func (s *Store) Dequeue() (url string, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(queueItemPrefix)), nil)
	defer iter.Release()
	if !iter.Next() {
		if err := iter.Error(); err != nil {
			return "", false, fmt.Errorf("scan queue: %w", err)
		}
		return "", false, nil
	}

	key := append([]byte(nil), iter.Key()...)
	url = string(iter.Value())

	if err := s.db.Delete(key, syncWrites); err != nil {
		return "", false, fmt.Errorf("dequeue %s: %w", url, err)
	}

	size, err := s.readCounter(queueSizeKey)
	if err != nil {
		return "", false, err
	}
	if size > 0 {
		size--
	}
	if err := s.db.Put([]byte(queueSizeKey), []byte(strconv.FormatUint(size, 10)), syncWrites); err != nil {
		return "", false, fmt.Errorf("decrement queue size: %w", err)
	}

	return url, true, nil
}

// Size returns the number of queued URLs. Safe to call concurrently with
// writes.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.readCounter(queueSizeKey)
	if err != nil {
		return 0
	}
	return int(size)
}

// MarkVisited records url in the durable visited set. Membership is
// monotonic within and across runs.
func (s *Store) MarkVisited(url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Put([]byte(visitedPrefix+url), []byte("1"), syncWrites); err != nil {
		return fmt.Errorf("mark visited %s: %w", url, err)
	}
	s.seen.Add([]byte(url))
	return nil
}

// IsVisited reports whether url has been dequeued before. The bloom filter
// answers definite misses without touching the store; a "maybe" falls
// through to an exact point lookup.
func (s *Store) IsVisited(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seen.Test([]byte(url)) {
		return false
	}
	ok, err := s.db.Has([]byte(visitedPrefix+url), nil)
	return err == nil && ok
}

// AddEdge records a link-graph edge from -> to.
func (s *Store) AddEdge(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := graphPrefix + from + "->" + to
	if err := s.db.Put([]byte(key), []byte("1"), syncWrites); err != nil {
		return fmt.Errorf("add edge %s -> %s: %w", from, to, err)
	}
	return nil
}

// VisitedCount counts the visited set by scanning its prefix.
func (s *Store) VisitedCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(visitedPrefix)), nil)
	defer iter.Release()
	count := 0
	for iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("scan visited set: %w", err)
	}
	return count, nil
}

func (s *Store) readCounter(key string) (uint64, error) {
	raw, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	value, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt counter %s: %w", key, err)
	}
	return value, nil
}
