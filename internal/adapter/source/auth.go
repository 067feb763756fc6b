package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// Authenticator turns the configured credential into a fresh session and
// persists rotated refresh tokens.
type Authenticator struct {
	repo     domain.BookmarkRepository
	provider domain.CredentialProvider
	saver    domain.CredentialSaver // may be nil
	logger   *slog.Logger
}

// NewAuthenticator creates an Authenticator. saver may be nil.
func NewAuthenticator(repo domain.BookmarkRepository, provider domain.CredentialProvider, saver domain.CredentialSaver, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{repo: repo, provider: provider, saver: saver, logger: logger}
}

// Session obtains the credential and authenticates with it
func (a *Authenticator) Session(ctx context.Context) (*domain.Session, error) {
	credential, err := a.provider.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuth, err)
	}

	s, err := a.repo.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	if s.RefreshToken != "" && a.saver != nil {
		if err := a.saver.Save(s.RefreshToken); err != nil {
			a.logger.Warn("failed to persist rotated credential", "error", err)
		} else {
			a.logger.Info("rotated credential saved")
		}
	}
	return s, nil
}
