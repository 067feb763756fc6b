package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/pixmirror/internal/domain"
	"github.com/mmcdole/pixmirror/internal/download"
)

// SessionProvider yields a freshly authenticated session
type SessionProvider interface {
	Session(ctx context.Context) (*domain.Session, error)
}

// Pipeline holds what sync cycles and reconciliation jobs share
type Pipeline struct {
	Source  domain.BookmarkRepository
	Auth    SessionProvider
	Ledger  domain.Ledger
	Manager *download.Manager
	Scope   domain.Scope
	Walk    WalkerOptions
	Token   *WriteToken
	Logger  *slog.Logger
}

func (p *Pipeline) validate() error {
	if p.Source == nil || p.Auth == nil || p.Ledger == nil || p.Manager == nil || p.Token == nil {
		return fmt.Errorf("%w: pipeline is missing a dependency", domain.ErrInvalidConfig)
	}
	if _, err := p.Scope.Listings(); err != nil {
		return err
	}
	if p.Walk.MaxPages < 0 {
		return fmt.Errorf("%w: max pages cannot be negative", domain.ErrInvalidConfig)
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return nil
}

// connect authenticates and returns a walker over the configured scope
func (p *Pipeline) connect(ctx context.Context, opts WalkerOptions) (*Walker, *domain.Session, error) {
	s, err := p.Auth.Session(ctx)
	if err != nil {
		return nil, nil, err
	}
	return NewWalker(p.Source, s, opts, p.Logger), s, nil
}
