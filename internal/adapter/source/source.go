package source

import (
	"fmt"
	"log/slog"

	"github.com/mmcdole/pixmirror/internal/adapter"
	"github.com/mmcdole/pixmirror/internal/adapter/source/pixiv"
	"github.com/mmcdole/pixmirror/internal/domain"
)

// NewClient creates a domain.Source based on the source type.
// This factory function abstracts away the specific backend implementation.
func NewClient(cfg *adapter.SourceConfig, logger *slog.Logger) (domain.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source config is nil")
	}

	switch cfg.Type {
	case adapter.SourceTypePixiv, "":
		return pixiv.NewClient(pixiv.Options{
			APIURL:       cfg.APIURL,
			AuthURL:      cfg.AuthURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			HashSecret:   cfg.HashSecret,
			UserAgent:    cfg.UserAgent,
			Timeout:      cfg.Timeout,
		}, logger), nil

	default:
		return nil, fmt.Errorf("%w: unknown source type: %s", domain.ErrInvalidConfig, cfg.Type)
	}
}
