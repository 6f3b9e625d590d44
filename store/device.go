package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-whatsapp/whatsmeow/binary/proto"
	"github.com/go-whatsapp/whatsmeow/types"
	"github.com/go-whatsapp/whatsmeow/util/keys"
	waLog "github.com/go-whatsapp/whatsmeow/util/log"
)

const (
	defaultCacheTTL       = 5 * time.Minute
	defaultMaxCommitRetries = 5
	defaultCommitBackoff    = 100 * time.Millisecond
)

// Device is the engine's view of §4.C: the writable credentials plus the keyed stores, a
// read-through cache, and transactional batch commits. It is the "Store" every other component
// (signalcipher, the sender/receiver pipelines) is constructed with.
type Device struct {
	*AuthenticationCreds

	Container Container
	Log       waLog.Logger

	cache   *TTLCache[string, []byte]

	txMu      sync.Mutex
	txDepth   int
	txPending map[string]map[string][]byte // rowType:id -> value, staged across nested transactions
}

func NewDevice(container Container, log waLog.Logger) *Device {
	if log == nil {
		log = waLog.Noop
	}
	return &Device{
		AuthenticationCreds: NewAuthenticationCreds(),
		Container:           container,
		Log:                 log,
		cache:               NewTTLCache[string, []byte](defaultCacheTTL),
	}
}

func cacheKey(rowType RowType, id string) string {
	return string(rowType) + ":" + id
}

// get reads a single row, cache-first, falling through to the Container and populating the cache
// on a miss — including transaction-pending writes, so a transaction's own reads observe its
// uncommitted writes per §4.C.
func (d *Device) get(ctx context.Context, rowType RowType, id string) ([]byte, error) {
	d.txMu.Lock()
	if d.txDepth > 0 {
		if rows, ok := d.txPending[string(rowType)]; ok {
			if v, ok := rows[id]; ok {
				d.txMu.Unlock()
				return v, nil
			}
		}
	}
	d.txMu.Unlock()

	if v, ok := d.cache.Get(cacheKey(rowType, id)); ok {
		return v, nil
	}
	result, err := d.Container.Get(ctx, rowType, []string{id})
	if err != nil {
		return nil, err
	}
	v := result[id]
	d.cache.Set(cacheKey(rowType, id), v)
	return v, nil
}

func (d *Device) getMany(ctx context.Context, rowType RowType, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	var misses []string
	for _, id := range ids {
		if v, ok := d.cache.Get(cacheKey(rowType, id)); ok {
			out[id] = v
		} else {
			misses = append(misses, id)
		}
	}
	if len(misses) > 0 {
		result, err := d.Container.Get(ctx, rowType, misses)
		if err != nil {
			return nil, err
		}
		for _, id := range misses {
			out[id] = result[id]
			d.cache.Set(cacheKey(rowType, id), result[id])
		}
	}
	return out, nil
}

// set stages or immediately commits one row write. Inside a transaction it stages into txPending;
// outside one it commits immediately as a single-row transaction.
func (d *Device) set(ctx context.Context, rowType RowType, id string, value []byte) error {
	return d.Transaction(ctx, func(ctx context.Context) error {
		d.stage(rowType, id, value)
		return nil
	})
}

func (d *Device) stage(rowType RowType, id string, value []byte) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.txPending == nil {
		d.txPending = make(map[string]map[string][]byte)
	}
	rows, ok := d.txPending[string(rowType)]
	if !ok {
		rows = make(map[string][]byte)
		d.txPending[string(rowType)] = rows
	}
	rows[id] = value
}

// Transaction runs work under a nestable transaction. Only the outermost call commits, with
// exponential backoff up to defaultMaxCommitRetries (§4.C). Nested calls just run work against the
// already-open staging area.
func (d *Device) Transaction(ctx context.Context, work func(ctx context.Context) error) error {
	d.txMu.Lock()
	d.txDepth++
	outermost := d.txDepth == 1
	if outermost && d.txPending == nil {
		d.txPending = make(map[string]map[string][]byte)
	}
	d.txMu.Unlock()

	err := work(ctx)

	d.txMu.Lock()
	d.txDepth--
	finalize := d.txDepth == 0
	d.txMu.Unlock()

	if err != nil {
		if finalize {
			d.discardPending()
		}
		return err
	}
	if !finalize {
		return nil
	}
	return d.commitPending(ctx)
}

func (d *Device) discardPending() {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	d.txPending = nil
}

func (d *Device) commitPending(ctx context.Context) error {
	d.txMu.Lock()
	pending := d.txPending
	d.txPending = nil
	d.txMu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	data := make(map[RowType]map[string][]byte, len(pending))
	for rowType, rows := range pending {
		data[RowType(rowType)] = rows
	}

	backoff := defaultCommitBackoff
	var err error
	for attempt := 0; attempt < defaultMaxCommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		err = d.Container.Set(ctx, data)
		if err == nil {
			for rowType, rows := range pending {
				for id, v := range rows {
					if v == nil {
						d.cache.Delete(cacheKey(RowType(rowType), id))
					} else {
						d.cache.Set(cacheKey(RowType(rowType), id), v)
					}
				}
			}
			return nil
		}
		d.Log.Warnf("Transaction commit attempt %d failed: %v", attempt+1, err)
	}
	return fmt.Errorf("transaction commit failed after %d attempts: %w", defaultMaxCommitRetries, err)
}

// Save persists the current AuthenticationCreds (JID, keys, pairing state) to the container. Called
// after pairing completes and whenever a field like PushName or AdvSecretKey changes afterward.
func (d *Device) Save(ctx context.Context) error {
	return d.Container.PutCreds(ctx, d.AuthenticationCreds)
}

// Clear flushes the cache and delegates to the container's wipe.
func (d *Device) Clear(ctx context.Context) error {
	d.cache.Clear()
	return d.Container.Clear(ctx)
}

func (d *Device) Delete(ctx context.Context) error {
	return d.Clear(ctx)
}

// Sessions.

func (d *Device) ContainsSession(address string) bool {
	v, err := d.get(context.Background(), RowSession, address)
	return err == nil && len(v) > 0
}

func (d *Device) GetSession(ctx context.Context, address string) ([]byte, error) {
	return d.get(ctx, RowSession, address)
}

func (d *Device) PutSession(ctx context.Context, address string, record []byte) error {
	return d.set(ctx, RowSession, address, record)
}

func (d *Device) DeleteSession(ctx context.Context, address string) error {
	return d.set(ctx, RowSession, address, nil)
}

// Pre-keys.

// GenOnePreKey allocates the next pre-key id, generates its key pair, persists it, and advances
// NextPreKeyID. The id is not removed from the store until the first pkmsg consuming it decrypts
// successfully (ConsumePreKey), per the §3 invariant.
func (d *Device) GenOnePreKey() (*keys.PreKey, error) {
	ctx := context.Background()
	var pk *keys.PreKey
	err := d.Transaction(ctx, func(ctx context.Context) error {
		id := d.NextPreKeyID
		kp := keys.NewKeyPair()
		pk = &keys.PreKey{KeyPair: *kp, KeyID: id}
		d.stage(RowPreKey, strconv.FormatUint(uint64(id), 10), encodePreKey(pk))
		d.NextPreKeyID++
		return nil
	})
	return pk, err
}

func (d *Device) GetPreKey(ctx context.Context, id uint32) (*keys.PreKey, error) {
	raw, err := d.get(ctx, RowPreKey, strconv.FormatUint(uint64(id), 10))
	if err != nil || raw == nil {
		return nil, err
	}
	return decodePreKey(raw, id)
}

// ConsumePreKey deletes a one-time pre-key row after its first successful pkmsg decrypt, enforcing
// the "consumed exactly once" invariant.
func (d *Device) ConsumePreKey(ctx context.Context, id uint32) error {
	return d.set(ctx, RowPreKey, strconv.FormatUint(uint64(id), 10), nil)
}

// UploadedPreKeyCount is a placeholder the sender pipeline compares against a threshold to decide
// whether to top up the server's pool; callers track the server-reported count separately (the
// server, not the local store, is authoritative for "how many does it still have").
func (d *Device) UploadedPreKeyCount() uint32 {
	return d.NextPreKeyID - d.FirstUnuploadedPreKeyID
}

func (d *Device) MarkPreKeysUploaded(upTo uint32) {
	d.FirstUnuploadedPreKeyID = upTo
}

func encodePreKey(pk *keys.PreKey) []byte {
	out := make([]byte, 4+32+32)
	binary.BigEndian.PutUint32(out[:4], pk.KeyID)
	copy(out[4:36], pk.Pub[:])
	copy(out[36:], pk.Priv[:])
	return out
}

func decodePreKey(raw []byte, wantID uint32) (*keys.PreKey, error) {
	if len(raw) < 68 {
		return nil, fmt.Errorf("corrupt pre-key record")
	}
	id := binary.BigEndian.Uint32(raw[:4])
	if id != wantID {
		return nil, fmt.Errorf("pre-key id mismatch: stored %d, requested %d", id, wantID)
	}
	var pub, priv [32]byte
	copy(pub[:], raw[4:36])
	copy(priv[:], raw[36:])
	return &keys.PreKey{KeyPair: keys.KeyPair{Pub: pub, Priv: priv}, KeyID: id}, nil
}

// Sender keys / group sessions.

func senderKeyID(groupJID, ownerAddress string) string {
	return groupJID + "::" + ownerAddress
}

func (d *Device) GetSenderKey(ctx context.Context, groupJID types.JID, owner string) ([]byte, error) {
	return d.get(ctx, RowSenderKey, senderKeyID(groupJID.String(), owner))
}

func (d *Device) PutSenderKey(ctx context.Context, groupJID types.JID, owner string, record []byte) error {
	return d.set(ctx, RowSenderKey, senderKeyID(groupJID.String(), owner), record)
}

// sender-key-memory: which devices already hold our distribution message for a group.

func (d *Device) HasSentSenderKeyTo(ctx context.Context, groupJID, device types.JID) bool {
	raw, err := d.get(ctx, RowSenderKeyMemory, groupJID.String())
	if err != nil || raw == nil {
		return false
	}
	for _, entry := range strings.Split(string(raw), ",") {
		if entry == device.String() {
			return true
		}
	}
	return false
}

func (d *Device) MarkSenderKeySent(ctx context.Context, groupJID types.JID, devices []types.JID) error {
	raw, _ := d.get(ctx, RowSenderKeyMemory, groupJID.String())
	existing := map[string]bool{}
	if raw != nil {
		for _, entry := range strings.Split(string(raw), ",") {
			if entry != "" {
				existing[entry] = true
			}
		}
	}
	for _, dev := range devices {
		existing[dev.String()] = true
	}
	all := make([]string, 0, len(existing))
	for k := range existing {
		all = append(all, k)
	}
	return d.set(ctx, RowSenderKeyMemory, groupJID.String(), []byte(strings.Join(all, ",")))
}

func (d *Device) ClearSenderKeyMemory(ctx context.Context, groupJID types.JID) error {
	return d.set(ctx, RowSenderKeyMemory, groupJID.String(), nil)
}

// Identity keys of peers, keyed by Signal address string.

func (d *Device) Identity(ctx context.Context, address string) ([]byte, error) {
	return d.get(ctx, RowIdentity, address)
}

func (d *Device) PutIdentity(ctx context.Context, address string, key []byte) error {
	return d.set(ctx, RowIdentity, address, key)
}

// App-state sync keys, kept for completeness of the §3 keyed-row table; the app-state processor
// itself is out of scope (see SPEC_FULL.md non-goals).

func (d *Device) GetAppStateSyncKey(ctx context.Context, keyID string) ([]byte, error) {
	return d.get(ctx, RowAppStateSyncKey, keyID)
}

func (d *Device) PutAppStateSyncKey(ctx context.Context, keyID string, key []byte) error {
	return d.set(ctx, RowAppStateSyncKey, keyID, key)
}

var _ = proto.ADVSignedDeviceIdentity{}
