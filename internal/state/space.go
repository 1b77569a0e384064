package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/chainsync/internal/chain"
	"github.com/roach88/chainsync/internal/ledger"
)

// DefaultMissTTL is how long a chain miss is remembered.
const DefaultMissTTL = 30 * time.Second

// Value is what Get returns for a key.
type Value struct {
	Value   string `json:"value"`
	Version int64  `json:"version"`
}

// Space is the state of one owner within one namespace.
// Safe for concurrent use.
type Space struct {
	ledger    *ledger.Ledger
	gateway   chain.Gateway
	namespace string
	owner     string
	misses    *cache.Cache
	logger    *slog.Logger
}

// Option configures a Space.
type Option func(*spaceOptions)

type spaceOptions struct {
	missTTL time.Duration
	logger  *slog.Logger
}

// WithMissTTL sets how long a key found on neither side is answered with
// ErrNotFound without asking the chain again. Zero or negative disables
// the miss cache.
func WithMissTTL(d time.Duration) Option {
	return func(o *spaceOptions) {
		o.missTTL = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *spaceOptions) {
		o.logger = logger
	}
}

// New binds a Space to namespace and owner. Owner is an opaque identity
// string; Space never interprets it.
func New(l *ledger.Ledger, g chain.Gateway, namespace, owner string, opts ...Option) (*Space, error) {
	if namespace == "" || owner == "" {
		return nil, ErrInvalidSpace
	}

	o := spaceOptions{missTTL: DefaultMissTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Space{
		ledger:    l,
		gateway:   g,
		namespace: namespace,
		owner:     owner,
		logger:    o.logger,
	}
	if o.missTTL > 0 {
		s.misses = cache.New(o.missTTL, 2*o.missTTL)
	}
	return s, nil
}

// Namespace returns the namespace the space is bound to.
func (s *Space) Namespace() string {
	return s.namespace
}

// Owner returns the owner identity the space is bound to.
func (s *Space) Owner() string {
	return s.owner
}

// Qualify builds a namespace-qualified key such as "ns_user1_2024-01-01"
// from its parts.
func (s *Space) Qualify(parts ...string) string {
	return strings.Join(append([]string{s.namespace}, parts...), "_")
}

// normalizeKey applies NFC so keys typed with different Unicode
// compositions address the same row.
func normalizeKey(key string) (string, error) {
	key = norm.NFC.String(key)
	if strings.TrimSpace(key) == "" {
		return "", ErrInvalidKey
	}
	return key, nil
}

// Get returns the latest value for key.
//
// The ledger answers first, whatever the row's status. Otherwise the chain
// is read and the result recorded in the ledger as confirmed. Keys found
// nowhere return ErrNotFound.
func (s *Space) Get(ctx context.Context, key string) (Value, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Value{}, err
	}

	e, err := s.ledger.Latest(ctx, s.namespace, key, s.owner)
	if err == nil {
		return Value{Value: e.Value, Version: e.Version}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return Value{}, fmt.Errorf("get %s: %w", key, err)
	}

	if s.misses != nil {
		if _, missed := s.misses.Get(key); missed {
			return Value{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
	}

	rec, err := s.gateway.Read(ctx, s.namespace, key)
	if errors.Is(err, chain.ErrNotFound) {
		if s.misses != nil {
			s.misses.SetDefault(key, struct{}{})
		}
		return Value{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Value{}, fmt.Errorf("get %s: %w", key, err)
	}

	s.fill(ctx, key, rec)
	return Value{Value: rec.Value, Version: rec.Version}, nil
}

// fill records a chain read in the ledger. A failed fill only costs a
// chain read on the next Get.
func (s *Space) fill(ctx context.Context, key string, rec chain.Record) {
	_, err := s.ledger.Put(ctx, ledger.Entry{
		Namespace: s.namespace,
		Key:       key,
		Owner:     s.owner,
		Version:   rec.Version,
		Value:     rec.Value,
		Status:    ledger.StatusConfirmed,
	})
	if err != nil {
		s.logger.Warn("cache fill failed",
			"namespace", s.namespace,
			"key", key,
			"version", rec.Version,
			"error", err,
		)
	}
}

// Put records value for key as pending and returns without touching the
// chain.
//
// Version 0 means the next version: one above the key's latest ledger
// version, or 1 for a new key. The ledger picks it inside the write, so
// concurrent version-0 puts to one key are all accepted with consecutive
// versions.
//
// Returns true when the write was accepted, including an exact replay of
// an already stored version. Returns false with a nil error when the
// version is stale. Storage failures return false with the error.
func (s *Space) Put(ctx context.Context, key, value string, version int64) (bool, error) {
	_, ok, err := s.PutVersion(ctx, key, value, version)
	return ok, err
}

// PutVersion is Put that also returns the version stored, which differs
// from version only when version is 0. The returned version is 0 when
// the put is rejected.
func (s *Space) PutVersion(ctx context.Context, key, value string, version int64) (int64, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return 0, false, err
	}
	if version < 0 {
		return 0, false, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	entry := ledger.Entry{
		Namespace: s.namespace,
		Key:       key,
		Owner:     s.owner,
		Version:   version,
		Value:     value,
	}

	outcome := "inserted"
	if version == 0 {
		version, err = s.ledger.PutNext(ctx, entry)
	} else {
		var result ledger.PutResult
		result, err = s.ledger.Put(ctx, entry)
		outcome = result.String()
	}
	if errors.Is(err, ledger.ErrStaleVersion) {
		s.logger.Debug("put rejected",
			"namespace", s.namespace,
			"key", key,
			"version", version,
			"reason", err,
		)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("put %s: %w", key, err)
	}

	if s.misses != nil {
		s.misses.Delete(key)
	}
	s.logger.Debug("put accepted",
		"namespace", s.namespace,
		"key", key,
		"version", version,
		"result", outcome,
	)
	return version, true, nil
}

// Status returns the ledger row behind the latest version of key, so a
// caller can tell pending from confirmed and read the settlement hash or
// failure. Unlike Get it never reads the chain.
func (s *Space) Status(ctx context.Context, key string) (ledger.Entry, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return ledger.Entry{}, err
	}

	e, err := s.ledger.Latest(ctx, s.namespace, key, s.owner)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("status %s: %w", key, err)
	}
	return e, nil
}
