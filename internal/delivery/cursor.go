package delivery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"wxhelper/internal/domain"
)

// LoadCursor reads a persisted consumer cursor. A missing or malformed value
// yields 0, which followers treat as "oldest retained".
func LoadCursor(ctx context.Context, state domain.StateStore, key string) (int64, error) {
	raw, ok, err := state.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", key, err)
	}
	return v, nil
}

// SaveCursor persists a consumer cursor. It outlives cancellation of ctx so the
// last acknowledged position is written even while a consumer shuts down.
func SaveCursor(ctx context.Context, state domain.StateStore, key string, cursor int64) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return state.SetState(ctx, key, strconv.FormatInt(cursor, 10))
}
