// Package store defines the durable object store contract backing crash recovery.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/quantfold/strata/errs"
)

// Key prefixes under which core records are persisted.
const (
	// InstancePrefix scopes strategy instance records.
	InstancePrefix = "instance/"
	// GroupPrefix scopes atomic order group records.
	GroupPrefix = "group/"
)

// Record is one versioned durable entry. Version starts at 1 on first write and
// increments on every successful compare-and-swap.
type Record struct {
	Key       string    `json:"key"`
	Version   uint64    `json:"version"`
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate ensures the record key is usable.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Key) == "" {
		return errs.New("store/record", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	return nil
}

// Clone returns a deep copy of the record payload.
func (r Record) Clone() Record {
	clone := r
	if r.Data != nil {
		clone.Data = make([]byte, len(r.Data))
		copy(clone.Data, r.Data)
	}
	return clone
}

// Store is the durable key-value contract the core persists through. It must
// provide per-key read-modify-write atomicity: CompareAndSwap fails with a
// conflict when the stored version differs, so two writers can never silently
// clobber each other.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, record Record) (Record, error)
	CompareAndSwap(ctx context.Context, prevVersion uint64, record Record) (Record, error)
	ListPrefix(ctx context.Context, prefix string) ([]Record, error)
}

// InstanceKey builds the store key for a strategy instance.
func InstanceKey(instanceID string) string {
	return InstancePrefix + strings.TrimSpace(instanceID)
}

// GroupKey builds the store key for an order group owned by an instance.
func GroupKey(ownerID, groupID string) string {
	return GroupPrefix + strings.TrimSpace(ownerID) + "/" + strings.TrimSpace(groupID)
}

// OwnerGroupPrefix scopes all group records belonging to one instance.
func OwnerGroupPrefix(ownerID string) string {
	return GroupPrefix + strings.TrimSpace(ownerID) + "/"
}
