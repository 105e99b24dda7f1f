package engine

import (
	"sync"

	"github.com/flitsinc/go-convo/internal/sessions"
)

// TurnLocks admits at most one running turn per (user, conversation).
type TurnLocks struct {
	mu     sync.Mutex
	active map[sessions.Key]struct{}
}

func NewTurnLocks() *TurnLocks {
	return &TurnLocks{active: map[sessions.Key]struct{}{}}
}

// TryAcquire returns a release func, or ErrTurnInProgress when a turn for
// key is already running.
func (l *TurnLocks) TryAcquire(key sessions.Key) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[key]; busy {
		return nil, ErrTurnInProgress
	}
	l.active[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.active, key)
			l.mu.Unlock()
		})
	}, nil
}

func (l *TurnLocks) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}
