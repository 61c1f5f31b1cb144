// Package subsindex implements the bidirectional subscription fabric:
// which users are subscribed to which symbols, and which sessions belong
// to which user. It is the only owner of these maps; everyone else reads
// snapshot copies.
package subsindex

import (
	"sync"

	"marketpulse/internal/domain"
)

// Outcome is the result of AddSession.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedMaxReached
)

// Index holds the three maps described in the data model:
//
//	sessions:      UserId -> set<SessionId>
//	user_symbols:  UserId -> set<Symbol>
//	symbol_users:  Symbol -> set<UserId>
//
// Invariant I1: u in symbol_users[s] iff s in user_symbols[u].
// Invariant I2: empty sets are deleted.
type Index struct {
	mu sync.Mutex

	sessions    map[domain.UserId]map[domain.SessionId]struct{}
	userSymbols map[domain.UserId]map[domain.Symbol]struct{}
	symbolUsers map[domain.Symbol]map[domain.UserId]struct{}

	sessionCap int
}

// New builds an empty Index enforcing sessionCap sessions per user.
func New(sessionCap int) *Index {
	return &Index{
		sessions:    make(map[domain.UserId]map[domain.SessionId]struct{}),
		userSymbols: make(map[domain.UserId]map[domain.Symbol]struct{}),
		symbolUsers: make(map[domain.Symbol]map[domain.UserId]struct{}),
		sessionCap:  sessionCap,
	}
}

// AddSession registers a new session for user, enforcing the per-user cap.
func (idx *Index) AddSession(user domain.UserId, session domain.SessionId) Outcome {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.sessions[user]
	if !ok {
		set = make(map[domain.SessionId]struct{})
		idx.sessions[user] = set
	}
	if len(set) >= idx.sessionCap {
		return RejectedMaxReached
	}
	set[session] = struct{}{}
	return Accepted
}

// RemoveSession drops session for user. If it was the user's last session,
// it also purges all of the user's subscriptions and returns the symbols
// whose last subscriber was this user.
func (idx *Index) RemoveSession(user domain.UserId, session domain.SessionId) []domain.Symbol {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	set, ok := idx.sessions[user]
	if !ok {
		return nil
	}
	delete(set, session)
	if len(set) > 0 {
		return nil
	}
	delete(idx.sessions, user)

	symbols := idx.userSymbols[user]
	if len(symbols) == 0 {
		return nil
	}
	delete(idx.userSymbols, user)

	var nowEmpty []domain.Symbol
	for sym := range symbols {
		users := idx.symbolUsers[sym]
		delete(users, user)
		if len(users) == 0 {
			delete(idx.symbolUsers, sym)
			nowEmpty = append(nowEmpty, sym)
		}
	}
	return nowEmpty
}

// Subscribe adds symbols to user's subscription set and returns the
// symbols whose symbol_users entry transitioned from absent to present.
func (idx *Index) Subscribe(user domain.UserId, symbols []domain.Symbol) []domain.Symbol {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	userSet, ok := idx.userSymbols[user]
	if !ok {
		userSet = make(map[domain.Symbol]struct{})
		idx.userSymbols[user] = userSet
	}

	var newlyTracked []domain.Symbol
	for _, sym := range symbols {
		if _, already := userSet[sym]; already {
			continue
		}
		userSet[sym] = struct{}{}

		users, exists := idx.symbolUsers[sym]
		if !exists {
			users = make(map[domain.UserId]struct{})
			idx.symbolUsers[sym] = users
			newlyTracked = append(newlyTracked, sym)
		}
		users[user] = struct{}{}
	}
	return newlyTracked
}

// Unsubscribe removes symbols from user's subscription set and returns the
// symbols whose last subscriber was this user.
func (idx *Index) Unsubscribe(user domain.UserId, symbols []domain.Symbol) []domain.Symbol {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	userSet, ok := idx.userSymbols[user]
	if !ok {
		return nil
	}

	var nowEmpty []domain.Symbol
	for _, sym := range symbols {
		if _, subscribed := userSet[sym]; !subscribed {
			continue
		}
		delete(userSet, sym)

		users := idx.symbolUsers[sym]
		delete(users, user)
		if len(users) == 0 {
			delete(idx.symbolUsers, sym)
			nowEmpty = append(nowEmpty, sym)
		}
	}
	if len(userSet) == 0 {
		delete(idx.userSymbols, user)
	}
	return nowEmpty
}

// SubscribersOf returns a snapshot copy of the users subscribed to symbol.
func (idx *Index) SubscribersOf(symbol domain.Symbol) []domain.UserId {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	users := idx.symbolUsers[symbol]
	out := make([]domain.UserId, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	return out
}

// SessionsOf returns a snapshot copy of a user's active sessions.
func (idx *Index) SessionsOf(user domain.UserId) []domain.SessionId {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	sessions := idx.sessions[user]
	out := make([]domain.SessionId, 0, len(sessions))
	for s := range sessions {
		out = append(out, s)
	}
	return out
}

// TrackedSymbols returns a snapshot of every symbol with at least one
// subscriber.
func (idx *Index) TrackedSymbols() []domain.Symbol {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]domain.Symbol, 0, len(idx.symbolUsers))
	for s := range idx.symbolUsers {
		out = append(out, s)
	}
	return out
}
