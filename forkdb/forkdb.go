package forkdb

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"
)

// ErrFetch wraps any remote failure: unreachable endpoint, malformed
// response. It surfaces to the reader that needed the value and is never
// retried inside the cache.
var ErrFetch = errors.New("fork fetch failed")

// RemoteClient is the slice of an Ethereum RPC client the fork needs.
// Satisfied by ethclient.Client; tests substitute a local fake.
type RemoteClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

// Account is the snapshot of a remote account as observed at the pinned
// block. Immutable once fetched.
type Account struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
}

// DB reads account and storage values of a remote chain at a pinned block,
// caching every answer in a two-tier store. The central correctness property
// is fetch coalescing: concurrent readers of the same missing key share a
// single in-flight remote fetch, since the remote endpoint is the slowest and
// least reliable part of the whole system.
type DB struct {
	client RemoteClient
	pin    *big.Int
	cache  *Cache
	flight singleflight.Group
}

// Dial connects to the remote endpoint and pins the fork at the given block.
// A nil pin resolves to the current remote head. An unreachable or malformed
// URL fails construction; nothing is retried later.
func Dial(ctx context.Context, rawurl string, pin *big.Int) (*DB, error) {
	client, err := ethclient.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("fork endpoint %q: %w", rawurl, err)
	}
	if pin == nil {
		head, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: resolving remote head: %v", ErrFetch, err)
		}
		pin = head.Number
	}
	db := New(client, pin, DefaultCacheDir(pin))
	log.Info("Forking remote chain", "url", rawurl, "block", pin)
	return db, nil
}

// New creates a fork database over an existing client. An empty dir disables
// the disk tier.
func New(client RemoteClient, pin *big.Int, dir string) *DB {
	return &DB{
		client: client,
		pin:    new(big.Int).Set(pin),
		cache:  NewCache(dir),
	}
}

// DefaultCacheDir places disk entries under a process-local temporary
// directory scoped by the pinned block, so distinct pins never share files.
func DefaultCacheDir(pin *big.Int) string {
	return filepath.Join(os.TempDir(), "devnode", "fork-"+pin.String())
}

// Client returns the remote client, letting a caller re-pin a fork without
// opening a second connection.
func (db *DB) Client() RemoteClient {
	return db.client
}

// Pin returns the pinned remote block number.
func (db *DB) Pin() *big.Int {
	return new(big.Int).Set(db.pin)
}

// Cache exposes the underlying two-tier store.
func (db *DB) Cache() *Cache {
	return db.cache
}

// Account returns the remote account snapshot, fetching it at most once per
// key no matter how many readers race on the miss.
func (db *DB) Account(ctx context.Context, addr common.Address) (*Account, error) {
	key := db.accountKey(addr)
	if blob, ok := db.cache.Get(key); ok {
		return db.decodeAccount(blob)
	}
	v, err, _ := db.flight.Do(key, func() (interface{}, error) {
		// A previous flight may have landed between our miss and now
		if blob, ok := db.cache.Get(key); ok {
			return db.decodeAccount(blob)
		}
		acct, err := db.fetchAccount(ctx, addr)
		if err != nil {
			return nil, err
		}
		if blob, err := db.cache.Encode(acct); err == nil {
			db.cache.Put(key, blob)
		}
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

// StorageAt returns the remote storage slot value at the pinned block, with
// the same cache and coalescing semantics as Account.
func (db *DB) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := db.storageKey(addr, slot)
	if blob, ok := db.cache.Get(key); ok {
		return common.BytesToHash(blob), nil
	}
	v, err, _ := db.flight.Do(key, func() (interface{}, error) {
		if blob, ok := db.cache.Get(key); ok {
			return common.BytesToHash(blob), nil
		}
		value, err := db.client.StorageAt(ctx, addr, slot, db.pin)
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: storage %x[%x]: %v", ErrFetch, addr, slot, err)
		}
		hash := common.BytesToHash(value)
		db.cache.Put(key, hash.Bytes())
		return hash, nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return v.(common.Hash), nil
}

// Close releases the remote client and waits out pending disk writes.
func (db *DB) Close() {
	if closer, ok := db.client.(interface{ Close() }); ok {
		closer.Close()
	}
	db.cache.Flush()
}

func (db *DB) fetchAccount(ctx context.Context, addr common.Address) (*Account, error) {
	balance, err := db.client.BalanceAt(ctx, addr, db.pin)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %x: %v", ErrFetch, addr, err)
	}
	nonce, err := db.client.NonceAt(ctx, addr, db.pin)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce of %x: %v", ErrFetch, addr, err)
	}
	code, err := db.client.CodeAt(ctx, addr, db.pin)
	if err != nil {
		return nil, fmt.Errorf("%w: code of %x: %v", ErrFetch, addr, err)
	}
	return &Account{Balance: balance, Nonce: nonce, Code: code}, nil
}

func (db *DB) decodeAccount(blob []byte) (*Account, error) {
	acct := new(Account)
	if err := db.cache.Decode(blob, acct); err != nil {
		return nil, fmt.Errorf("%w: corrupt cache entry: %v", ErrFetch, err)
	}
	return acct, nil
}

func (db *DB) accountKey(addr common.Address) string {
	return "account/" + db.pin.String() + "/" + addr.Hex()
}

func (db *DB) storageKey(addr common.Address, slot common.Hash) string {
	return "storage/" + db.pin.String() + "/" + addr.Hex() + "/" + slot.Hex()
}
