package adapter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

func TestStaticCredential(t *testing.T) {
	got, err := StaticCredential("  tok \n").Credential(context.Background())
	if err != nil || got != "tok" {
		t.Errorf("Credential() = %q, %v", got, err)
	}
	if _, err := StaticCredential(" ").Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("blank credential: %v, want ErrNoCredential", err)
	}
}

func TestFileCredentialSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "refresh_token")
	f := NewFileCredential(path, NullLogger())

	if _, err := f.Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("missing file: %v, want ErrNoCredential", err)
	}
	if err := f.Save("rotated-1"); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	// a fresh provider reads what was saved
	got, err := NewFileCredential(path, nil).Credential(context.Background())
	if err != nil || got != "rotated-1" {
		t.Errorf("Credential() = %q, %v", got, err)
	}

	if err := f.Save("  "); err == nil {
		t.Error("saving an empty credential should fail")
	}
}

func TestFileCredentialEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refresh_token")
	if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileCredential(path, nil).Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("empty file: %v, want ErrNoCredential", err)
	}
}

func TestFileCredentialWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refresh_token")
	f := NewFileCredential(path, NullLogger())
	if err := f.Save("first"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.Watch(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("second\n"), 0600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := f.Credential(ctx)
		if err == nil && got == "second" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("credential not reloaded, last value %q (%v)", got, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type failingCredential struct{ err error }

func (f failingCredential) Credential(context.Context) (string, error) { return "", f.err }

func TestChainCredential(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("keyring locked")

	tests := []struct {
		name    string
		chain   ChainCredential
		want    string
		wantErr error
	}{
		{"first wins", ChainCredential{StaticCredential("a"), StaticCredential("b")}, "a", nil},
		{"falls through", ChainCredential{StaticCredential(""), StaticCredential("b")}, "b", nil},
		{"none", ChainCredential{StaticCredential("")}, "", ErrNoCredential},
		{"empty chain", nil, "", ErrNoCredential},
		{"hard error stops", ChainCredential{failingCredential{boom}, StaticCredential("b")}, "", boom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.chain.Credential(ctx)
			if got != tt.want || !errors.Is(err, tt.wantErr) {
				t.Errorf("Credential() = %q, %v; want %q, %v", got, err, tt.want, tt.wantErr)
			}
		})
	}
}

func TestNewCredentialProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refresh_token")
	if err := os.WriteFile(path, []byte("from-file"), 0600); err != nil {
		t.Fatal(err)
	}

	provider, file := NewCredentialProvider(&CredentialConfig{Token: "inline", TokenFile: path}, nil)
	if file == nil || file.Path() != path {
		t.Fatalf("file provider = %v", file)
	}
	got, err := provider.Credential(context.Background())
	if err != nil || got != "inline" {
		t.Errorf("inline token should win, got %q, %v", got, err)
	}

	provider, _ = NewCredentialProvider(&CredentialConfig{TokenFile: path}, nil)
	got, err = provider.Credential(context.Background())
	if err != nil || got != "from-file" {
		t.Errorf("Credential() = %q, %v", got, err)
	}

	provider, file = NewCredentialProvider(&CredentialConfig{}, nil)
	if file != nil {
		t.Error("no token file configured, want nil file provider")
	}
	if _, err := provider.Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("empty config: %v", err)
	}

	var _ domain.CredentialProvider = provider
}
