// Package journal is the durable, append-only record of every article
// mutation and generated artifact. One bbolt bucket per conversation
// keeps entries strictly append-ordered; bbolt's transaction commit
// syncs to disk before Append returns, so durability precedes the
// orchestrator's acknowledgment of a cycle.
//
// Entries are write-once. The journal exposes no update or delete
// path; it is the sole audit and replay trail.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kbmem/kbmem-go/article"
)

// Entry is one persisted journal record. The field set is stable;
// replay tooling depends on it.
type Entry struct {
	Seq            uint64    `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	Operation      string    `json:"operation"`
	ArticleIDs     []string  `json:"article_ids,omitempty"`
	Text           string    `json:"text"`
}

// Journal is a bbolt-backed append-only log.
type Journal struct {
	db *bolt.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create journal dir: %v", article.ErrPersistence, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open journal: %v", article.ErrPersistence, err)
	}
	return &Journal{db: db}, nil
}

// Append writes one entry to its conversation's bucket. The sequence
// number is assigned here and written back into entry. The write is
// flushed before Append returns.
func (j *Journal) Append(entry *Entry) error {
	if entry.ConversationID == "" {
		return fmt.Errorf("%w: journal entry without conversation id", article.ErrPersistence)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err := j.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(entry.ConversationID))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq

		enc, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), enc)
	})
	if err != nil {
		return fmt.Errorf("%w: journal append: %v", article.ErrPersistence, err)
	}
	return nil
}

// Replay calls fn for every entry of a conversation in insertion
// order. fn returning an error stops the walk and propagates it.
func (j *Journal) Replay(conversationID string, fn func(Entry) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(conversationID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode journal entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			return fn(entry)
		})
	})
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// seqKey encodes a sequence number so bbolt's byte order matches
// insertion order.
func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// Excerpt shortens text for journal storage while keeping enough for
// diagnosis. Full bodies are kept up to max runes.
func Excerpt(s string, max int) string {
	if max <= 0 || len([]rune(s)) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
