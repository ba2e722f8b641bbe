package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AuditPrefix namespaces operator audit records in the store.
const AuditPrefix = "ops:audit:"

// LoadCursor reads a non-negative integer checkpoint such as a poll offset.
// Missing or malformed values read as zero.
func LoadCursor(ctx context.Context, store Store, key string) int64 {
	if store == nil {
		return 0
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func SaveCursor(ctx context.Context, store Store, key string, v int64) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, key, strconv.FormatInt(v, 10))
}

// AppendAudit stores record as JSON under a key ordered by time. seq
// disambiguates records written in the same nanosecond.
func AppendAudit(ctx context.Context, store Store, at time.Time, seq int64, record any) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%020d:%d", AuditPrefix, at.UTC().UnixNano(), seq)
	return store.Set(ctx, key, string(payload))
}
