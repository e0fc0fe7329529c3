package identity

import (
	"context"
	"fmt"
	"sync"
)

// Provider はAPI呼び出し側から見たIDプロバイダ。
// GetToken が空文字列を返した場合は認証情報なしとして扱われる。
type Provider interface {
	// IsLoaded はIDプロバイダの初期化が完了しているかを返す。
	IsLoaded() bool
	// IsSignedIn はユーザーがサインインしているかを返す。
	IsSignedIn() bool
	// GetToken は現在のセッションのトークンを返す。
	GetToken(ctx context.Context) (string, error)
}

// State はセッションの状態。
type State int

const (
	// StateNotLoaded はIDプロバイダの初期化前。
	StateNotLoaded State = iota
	// StateSignedOut は初期化済みでサインインしていない状態。
	StateSignedOut
	// StateSignedIn はサインイン済みの状態。
	StateSignedIn
)

// String は状態の名前を返す。
func (s State) String() string {
	switch s {
	case StateNotLoaded:
		return "not-loaded"
	case StateSignedOut:
		return "loaded-unauthenticated"
	case StateSignedIn:
		return "loaded-authenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session は not-loaded → loaded-unauthenticated → loaded-authenticated の
// ライフサイクルを持つ Provider の実装。
// トークンは保持せず、GetToken のたびに TokenIssuer に発行を依頼する。
type Session struct {
	mu     sync.RWMutex
	state  State
	user   User
	issuer TokenIssuer
}

var _ Provider = (*Session)(nil)

// NewSession は未初期化状態のセッションを生成する。
func NewSession(issuer TokenIssuer) *Session {
	return &Session{issuer: issuer}
}

// MarkLoaded はIDプロバイダの初期化完了を記録する。
// サインイン済みの場合は状態を変更しない。
func (s *Session) MarkLoaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateNotLoaded {
		s.state = StateSignedOut
	}
}

// SignIn はユーザーをサインイン状態にする。
func (s *Session) SignIn(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.state = StateSignedIn
}

// SignOut はサインアウトする。
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = User{}
	if s.state == StateSignedIn {
		s.state = StateSignedOut
	}
}

// State は現在の状態を返す。
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsLoaded は初期化が完了しているかを返す。
func (s *Session) IsLoaded() bool {
	return s.State() != StateNotLoaded
}

// IsSignedIn はサインイン済みかを返す。
func (s *Session) IsSignedIn() bool {
	return s.State() == StateSignedIn
}

// GetToken はサインイン中のユーザーのトークンを発行して返す。
// サインインしていない場合は空文字列を返す。
func (s *Session) GetToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	state, user := s.state, s.user
	s.mu.RUnlock()

	if state != StateSignedIn || s.issuer == nil {
		return "", nil
	}
	token, err := s.issuer.Issue(ctx, user)
	if err != nil {
		return "", fmt.Errorf("トークンの発行に失敗: %w", err)
	}
	return token, nil
}
