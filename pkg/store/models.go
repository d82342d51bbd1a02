package store

import (
	"time"

	"github.com/uptrace/bun"
)

// Site marks a hostname as known to the server; CreateSnapshot ensures the
// row exists before inserting a snapshot for it. Tokens are not tied to a
// site.
type Site struct {
	bun.BaseModel `bun:"table:sites,alias:si"`

	Hostname string `bun:",pk"`
}

// Snapshot is one committed tree for a hostname. Tree holds the
// msgpack-canonical encoding of the merkle.Node root, per spec.md §4.5's
// `tree BLOB` column.
type Snapshot struct {
	bun.BaseModel `bun:"table:snapshots,alias:sn"`

	ID        int64     `bun:",pk,autoincrement"`
	Hostname  string    `bun:",notnull"`
	RootHash  []byte    `bun:",notnull"`
	Tree      []byte    `bun:",notnull"`
	CreatedAt time.Time `bun:",notnull"`
	IsCurrent bool      `bun:",notnull"`
}

// Token is a bearer credential: its presence in this table authorizes any
// sync operation, per spec.md §3 ("opaque printable string").
type Token struct {
	bun.BaseModel `bun:"table:tokens,alias:tk"`

	Token     string    `bun:",pk"`
	CreatedAt time.Time `bun:",notnull"`
}
