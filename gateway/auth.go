package gateway

import (
	"context"
	"errors"
	"sync"
)

// ErrNoToken is returned when no access token is configured.
var ErrNoToken = errors.New("access token not configured")

// TokenProvider supplies the authenticated handle for one broker account.
// Refresh is called once after the broker rejects a token.
type TokenProvider interface {
	ClientID() string
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// RefreshFunc obtains a fresh token from wherever tokens are managed.
type RefreshFunc func(ctx context.Context) (string, error)

// StaticTokenProvider 持有一个长期 token，可选刷新回调（如重新读取环境变量或密钥服务）。
type StaticTokenProvider struct {
	clientID string
	refresh  RefreshFunc

	mu    sync.RWMutex
	token string
}

func NewStaticTokenProvider(clientID, token string, refresh RefreshFunc) *StaticTokenProvider {
	return &StaticTokenProvider{clientID: clientID, token: token, refresh: refresh}
}

func (p *StaticTokenProvider) ClientID() string { return p.clientID }

func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// Refresh 调用刷新回调替换 token；没有回调时返回现有 token。
func (p *StaticTokenProvider) Refresh(ctx context.Context) (string, error) {
	if p.refresh == nil {
		return p.Token(ctx)
	}
	tok, err := p.refresh(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", ErrNoToken
	}
	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()
	return tok, nil
}
