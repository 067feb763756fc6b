package pixiv

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/mmcdole/pixmirror/internal/domain"
)

// LoginFlow asks for a refresh token and checks it against the service
type LoginFlow struct {
	repo   domain.BookmarkRepository
	in     *os.File
	out    io.Writer
	logger *slog.Logger
}

// NewLoginFlow creates a login flow reading from stdin
func NewLoginFlow(repo domain.BookmarkRepository, logger *slog.Logger) *LoginFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoginFlow{repo: repo, in: os.Stdin, out: os.Stdout, logger: logger}
}

// Run prompts for the token (hidden when stdin is a terminal), authenticates
// with it and returns the session and the token to persist.
func (f *LoginFlow) Run(ctx context.Context) (*domain.Session, string, error) {
	fmt.Fprintln(f.out)
	fmt.Fprintln(f.out, "pixiv Authentication")
	fmt.Fprintln(f.out, "━━━━━━━━━━━━━━━━━━━━")

	fmt.Fprint(f.out, "Refresh token: ")
	token, err := f.readToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return nil, "", fmt.Errorf("%w: empty token", domain.ErrAuth)
	}

	fmt.Fprintln(f.out)
	fmt.Fprintln(f.out, "Authenticating...")

	s, err := f.repo.Authenticate(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if s.RefreshToken != "" {
		token = s.RefreshToken
	}

	fmt.Fprintln(f.out)
	fmt.Fprintf(f.out, "Authenticated as %s (%d)\n", s.UserName, s.UserID)
	return s, token, nil
}

func (f *LoginFlow) readToken() (string, error) {
	fd := int(f.in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(f.out) // newline after hidden input
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(f.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
