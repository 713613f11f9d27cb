package port

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/ttlkv/pkg/cache"
	"github.com/nobletooth/ttlkv/pkg/expiring"
	"github.com/nobletooth/ttlkv/pkg/scan"
	"github.com/nobletooth/ttlkv/pkg/utils"
)

var defaultTtl = flag.Duration("default_ttl", 24*time.Hour,
	"Expiry given to keys set without EX/PX/EXAT/PXAT; every key in ttlkv expires.")

// ErrKeyNotFound is returned for keys that were never set, were deleted or have expired; these are not told apart.
var ErrKeyNotFound = errors.New("key was not found")

// Backend is the storage backend used by ttlkv ports, e.g. Redis.
type Backend struct {
	cache *cache.TTL[string, []byte]
}

// NewBackend creates a Backend serving the given cache.
func NewBackend(ttlCache *cache.TTL[string, []byte]) (*Backend, error) {
	if ttlCache == nil {
		return nil, errors.New("expected a non-nil cache")
	}
	if *defaultTtl <= 0 {
		return nil, fmt.Errorf("expected a positive --default_ttl, got %s", *defaultTtl)
	}
	return &Backend{cache: ttlCache}, nil
}

// Get looks up the given `key` and returns its value or ErrKeyNotFound.
func (b *Backend) Get(key string) ([]byte, error) {
	value, found, err := b.cache.Get(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

type existenceCheck uint8

const (
	noCheck     existenceCheck = iota
	ifNotExists                // NX
	ifExists                   // XX
)

var allExistenceChecks = []existenceCheck{noCheck, ifExists, ifNotExists}

type SetCommand struct {
	key       string
	value     []byte
	expiresAt time.Time // Zero means `--default_ttl` from now.
	existence existenceCheck
	keepTtl   bool // The Redis KEEPTTL option; overrides `expiresAt` when the key is live.
	get       bool // The Redis GET option; if true, should return the previous value.
}

type SetResult struct {
	previousValue    []byte // Only set if the command requires the previous value.
	hasPreviousValue bool   // If true, the `key` specified in SetCommand had a live previous value.
	couldSet         bool   // If true, something was set in the storage.
	err              error
}

// Set executes the given `cmd` and returns the previous value if required. The existence check, the lookup of the
// previous value and the insert all happen under one exclusive section.
func (b *Backend) Set(cmd SetCommand) SetResult {
	if !slices.Contains(allExistenceChecks, cmd.existence) {
		utils.RaiseInvariant("backend", "unknown_set_existence_constraint",
			"Got an unknown existence constraint in the given set command.", "constraint", cmd.existence)
		return SetResult{err: fmt.Errorf("got unknown set constraint '%d'", cmd.existence)}
	}

	var result SetResult
	err := b.cache.Update(func(store *expiring.Store[string, []byte]) {
		// Expired keys are treated as non-existent for NX/XX, KEEPTTL and GET.
		prevValue, prevExpiresAt, hasPrevValue := store.GetWithExpiration(cmd.key)

		expiresAt := cmd.expiresAt
		if cmd.keepTtl && hasPrevValue {
			expiresAt = prevExpiresAt
		} else if expiresAt.IsZero() {
			expiresAt = expiring.DeadlineIn(*defaultTtl)
		}

		couldSet := cmd.existence == noCheck || // Set any way.
			(cmd.existence == ifNotExists && !hasPrevValue) || // NX; Set only if not exists.
			(cmd.existence == ifExists && hasPrevValue) // XX; Set only if exists.
		if couldSet {
			store.Insert(cmd.key, cmd.value, expiresAt)
		}

		result = SetResult{couldSet: couldSet}
		if cmd.get { // Client wants the previous value returned.
			result.previousValue = prevValue
			result.hasPreviousValue = hasPrevValue
		}
	})
	if err != nil {
		return SetResult{err: fmt.Errorf("failed to set value: %w", err)}
	}
	return result
}

// Delete hides every live key in `keys` and returns how many of them were live. Keys are overwritten with an entry
// that is already expired; the purge loop reclaims them later.
func (b *Backend) Delete(keys ...string) (int, error) {
	deleted := 0
	err := b.cache.Update(func(store *expiring.Store[string, []byte]) {
		now := time.Now()
		for _, key := range keys {
			if _, found := store.Get(key); found {
				store.Insert(key, nil, now)
				deleted++
			}
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return deleted, nil
}

// Exists counts the live keys among `keys`; a key mentioned twice is counted twice.
func (b *Backend) Exists(keys ...string) (int, error) {
	existing := 0
	err := b.cache.View(func(store *expiring.Store[string, []byte]) {
		for _, key := range keys {
			if _, found := store.Get(key); found {
				existing++
			}
		}
	})
	return existing, err
}

// TimeToLive returns how long the live `key` has left, or ErrKeyNotFound.
func (b *Backend) TimeToLive(key string) (time.Duration, error) {
	_, expiresAt, found, err := b.cache.GetWithExpiration(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrKeyNotFound
	}
	// The key may expire between the lookup and this subtraction; never report a negative remainder for it.
	return max(time.Until(expiresAt), 0), nil
}

// Keys returns the live keys matching the glob `pattern`, sorted.
func (b *Backend) Keys(pattern string) ([]string, error) {
	var (
		keys     []string
		matchErr error
	)
	err := b.cache.View(func(store *expiring.Store[string, []byte]) {
		liveKeys := func(yield func(string) bool) {
			for key := range store.All() {
				if !yield(key) {
					return
				}
			}
		}
		matched, err := scan.MatchGlob(pattern, liveKeys)
		if err != nil {
			matchErr = err
			return
		}
		keys = slices.Sorted(matched)
	})
	if err != nil {
		return nil, err
	}
	return keys, matchErr
}

// Size returns the number of live keys.
func (b *Backend) Size() (int, error) {
	size := 0
	err := b.cache.View(func(store *expiring.Store[string, []byte]) {
		for range store.All() {
			size++
		}
	})
	return size, err
}

// Digest returns the hex encoded xxhash64 of the live value of `key`.
func (b *Backend) Digest(key string) (string, error) {
	value, err := b.Get(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(value)), nil
}
