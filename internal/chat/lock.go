package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/cache"
)

// ErrLockLost means the session lock expired or was taken over mid-turn. The
// turn is discarded without touching history.
var ErrLockLost = errors.New("session lock lost during turn")

// sessionLock is a held turn lock, refreshed in the background until released.
type sessionLock struct {
	cache     cache.Cache
	key       string
	token     string
	ttl       time.Duration
	sessionID string
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// lockSession takes the session's turn lock. The returned context is
// cancelled with ErrLockLost if the lock cannot be kept.
func (s *Service) lockSession(ctx context.Context, sessionID string) (context.Context, *sessionLock, error) {
	key := cache.TurnLockKey(sessionID)
	token, ok, err := s.cache.TryLock(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring session lock: %w", err)
	}
	if !ok {
		return nil, nil, ErrTurnInProgress
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	l := &sessionLock{
		cache:     s.cache,
		key:       key,
		token:     token,
		ttl:       s.cfg.LockTTL,
		sessionID: sessionID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go l.keepAlive(turnCtx)
	return turnCtx, l, nil
}

func (l *sessionLock) keepAlive(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.check(ctx); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

// check extends the lock and returns ErrLockLost if another holder has it.
// A cache error is not proof of loss; the lock keeps its current expiry.
func (l *sessionLock) check(ctx context.Context) error {
	held, err := l.cache.Extend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("extending session lock failed", "session_id", l.sessionID, "error", err)
		}
		return nil
	}
	if !held {
		slog.Warn("session lock lost mid-turn", "session_id", l.sessionID)
		return ErrLockLost
	}
	return nil
}

// release stops the refresher and gives the lock up.
func (l *sessionLock) release(ctx context.Context) {
	l.cancel(nil)
	<-l.done
	if err := l.cache.Unlock(context.WithoutCancel(ctx), l.key, l.token); err != nil {
		slog.Warn("releasing session lock failed", "session_id", l.sessionID, "error", err)
	}
}

// turnError reports ErrLockLost for a turn cancelled by the refresher.
func turnError(turnCtx context.Context, err error) error {
	if errors.Is(context.Cause(turnCtx), ErrLockLost) {
		return ErrLockLost
	}
	return err
}
