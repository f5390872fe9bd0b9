package listener

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uhyunpark/veilx/pkg/storage"
)

// Cursor is the position of the last log a chain's handler finished with.
type Cursor struct {
	Block    uint64 `json:"block"`
	LogIndex uint   `json:"logIndex"`
}

// covers reports whether lg is at or before the cursor.
func (c Cursor) covers(lg types.Log) bool {
	if lg.BlockNumber != c.Block {
		return lg.BlockNumber < c.Block
	}
	return lg.Index <= c.LogIndex
}

type CursorStore struct {
	store *storage.PebbleStore
}

func NewCursorStore(store *storage.PebbleStore) *CursorStore {
	return &CursorStore{store: store}
}

// Load returns the saved cursor of chain, if any.
func (s *CursorStore) Load(chain uint64) (Cursor, bool, error) {
	var c Cursor
	found, err := s.store.Get(storage.CursorKey(chain), &c)
	return c, found, err
}

func (s *CursorStore) Save(chain uint64, c Cursor) error {
	return s.store.Put(storage.CursorKey(chain), c)
}
