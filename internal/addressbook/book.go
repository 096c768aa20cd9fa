// Package addressbook maps participants and providers to ledger addresses.
package addressbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Kind string

const (
	Participant Kind = "participant"
	Provider    Kind = "provider"
)

var (
	ErrUnknownAddress = errors.New("no ledger address registered")
	ErrInvalidKind    = errors.New("invalid address kind")
)

func (k Kind) valid() bool { return k == Participant || k == Provider }

func hashKey(k Kind) string { return "addresses:" + string(k) }

type Book struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Book {
	return &Book{rdb: rdb}
}

// Set registers (or replaces) the ledger address of a party.
func (b *Book) Set(ctx context.Context, kind Kind, id, address string) error {
	if !kind.valid() {
		return fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	if id == "" || address == "" {
		return fmt.Errorf("set %s address: id and address are required", kind)
	}
	return b.rdb.HSet(ctx, hashKey(kind), id, address).Err()
}

// Resolve returns the ledger address of a party.
func (b *Book) Resolve(ctx context.Context, kind Kind, id string) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	addr, err := b.rdb.HGet(ctx, hashKey(kind), id).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%s %s: %w", kind, id, ErrUnknownAddress)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s %s: %w", kind, id, err)
	}
	return addr, nil
}
