package plan

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limit returns an engine that keeps at most slots sessions open at once.
// OpenSession blocks until a slot frees up or ctx is done, and the slot is
// returned when the session closes. Engines sharing local scratch storage
// must be limited to one slot.
func Limit(engine Engine, slots int64) Engine {
	if slots < 1 {
		slots = 1
	}

	return &limited{engine: engine, sem: semaphore.NewWeighted(slots)}
}

type limited struct {
	engine Engine
	sem    *semaphore.Weighted
}

func (l *limited) OpenSession(ctx context.Context, plan, checkpoint []byte) (Session, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s, err := l.engine.OpenSession(ctx, plan, checkpoint)
	if err != nil {
		l.sem.Release(1)

		return nil, err
	}

	return &limitedSession{Session: s, release: sync.OnceFunc(func() { l.sem.Release(1) })}, nil
}

type limitedSession struct {
	Session
	release func()
}

func (s *limitedSession) Close() error {
	defer s.release()

	return s.Session.Close()
}
