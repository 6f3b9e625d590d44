package store

import "context"

// RowType names one of the keyed-store rows in the §3 table: "pre-key", "session", "sender-key",
// "sender-key-memory", "app-state-sync-key", "app-state-sync-version", "identity".
type RowType string

const (
	RowPreKey               RowType = "pre-key"
	RowSession              RowType = "session"
	RowSenderKey            RowType = "sender-key"
	RowSenderKeyMemory      RowType = "sender-key-memory"
	RowAppStateSyncKey      RowType = "app-state-sync-key"
	RowAppStateSyncVersion  RowType = "app-state-sync-version"
	RowIdentity             RowType = "identity"
)

// SignalKeyStore is the application-provided persistence interface from §6.1. The core only ever
// calls Get/Set/Clear; everything else (caching, transactions, retries) is built on top of it by
// this package, so a minimal file/dir or KV-store bridge is all an application needs to supply.
type SignalKeyStore interface {
	Get(ctx context.Context, rowType RowType, ids []string) (map[string][]byte, error)
	// Set performs one batched, atomic mutation. A nil value for an id deletes that row.
	Set(ctx context.Context, data map[RowType]map[string][]byte) error
	Clear(ctx context.Context) error
}

// Container owns the AuthenticationCreds row alongside the keyed SignalKeyStore, and is how an
// application's persistence layer is handed to NewDevice. This package ships no concrete
// implementation; the application supplies one.
type Container interface {
	SignalKeyStore
	PutCreds(ctx context.Context, creds *AuthenticationCreds) error
	GetCreds(ctx context.Context) (*AuthenticationCreds, error)
}
