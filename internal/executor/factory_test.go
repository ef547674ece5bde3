package executor

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/opsforge/remediation/internal/model"
)

type fakeCredentialRepo struct {
	servers  map[string]model.ServerCredential
	profiles map[string]model.CredentialProfile
}

func (f *fakeCredentialRepo) GetServerCredential(_ context.Context, id string) (model.ServerCredential, error) {
	c, ok := f.servers[id]
	if !ok {
		return model.ServerCredential{}, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeCredentialRepo) GetCredentialProfile(_ context.Context, id string) (model.CredentialProfile, error) {
	p, ok := f.profiles[id]
	if !ok {
		return model.CredentialProfile{}, sql.ErrNoRows
	}
	return p, nil
}

func newTestFactory(t *testing.T, repo *fakeCredentialRepo) (*Factory, *Vault) {
	t.Helper()
	vault, err := NewVault(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return NewFactory(repo, vault), vault
}

func encrypt(t *testing.T, vault *Vault, plain string) string {
	t.Helper()
	sealed, err := vault.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	return sealed
}

func TestFactorySelectsVariantByProtocol(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{servers: map[string]model.ServerCredential{}}
	factory, vault := newTestFactory(t, repo)
	repo.servers["ssh-1"] = model.ServerCredential{
		ID: "ssh-1", Hostname: "linux-1", Port: 22, Protocol: ProtocolSSH,
		Username: "root", PasswordEncrypted: encrypt(t, vault, "pw"),
	}
	repo.servers["win-1"] = model.ServerCredential{
		ID: "win-1", Hostname: "win-1", Port: 5985, Protocol: ProtocolWinRM,
		Username: "admin", PasswordEncrypted: encrypt(t, vault, "pw"),
	}
	repo.servers["api-1"] = model.ServerCredential{
		ID: "api-1", Hostname: "api.internal", Port: 443, Protocol: ProtocolHTTP,
	}

	ctx := context.Background()
	if ex, err := factory.For(ctx, "ssh-1"); err != nil {
		t.Errorf("For(ssh-1) error = %v", err)
	} else if _, ok := ex.(*sshExecutor); !ok {
		t.Errorf("For(ssh-1) = %T, want *sshExecutor", ex)
	}
	if ex, err := factory.For(ctx, "win-1"); err != nil {
		t.Errorf("For(win-1) error = %v", err)
	} else if _, ok := ex.(*winrmExecutor); !ok {
		t.Errorf("For(win-1) = %T, want *winrmExecutor", ex)
	}
	if ex, err := factory.For(ctx, "api-1"); err != nil {
		t.Errorf("For(api-1) error = %v", err)
	} else if _, ok := ex.(*httpExecutor); !ok {
		t.Errorf("For(api-1) = %T, want *httpExecutor", ex)
	}
}

func TestFactoryRejectsUnknownProtocol(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{servers: map[string]model.ServerCredential{
		"srv-1": {ID: "srv-1", Hostname: "h", Protocol: "telnet"},
	}}
	factory, _ := newTestFactory(t, repo)
	if _, err := factory.For(context.Background(), "srv-1"); err == nil {
		t.Fatal("For() with unknown protocol succeeded, want error")
	}
}

func TestFactoryMissingServer(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{servers: map[string]model.ServerCredential{}}
	factory, _ := newTestFactory(t, repo)
	if _, err := factory.For(context.Background(), "ghost"); err == nil {
		t.Fatal("For(ghost) succeeded, want error")
	}
}

func TestFactoryPoolReusesHealthyExecutor(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{servers: map[string]model.ServerCredential{
		"api-1": {ID: "api-1", Hostname: "api.internal", Port: 443, Protocol: ProtocolHTTP},
	}}
	factory, _ := newTestFactory(t, repo)

	ctx := context.Background()
	first, err := factory.For(ctx, "api-1")
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	second, err := factory.For(ctx, "api-1")
	if err != nil {
		t.Fatalf("For() second call error = %v", err)
	}
	if first != second {
		t.Error("second For() built a new executor, want pooled reuse")
	}

	factory.Evict("api.internal", 443)
	third, err := factory.For(ctx, "api-1")
	if err != nil {
		t.Fatalf("For() after Evict error = %v", err)
	}
	if third == first {
		t.Error("For() after Evict returned the evicted executor")
	}
}

func TestResolveMergesProfileCredentials(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{
		servers:  map[string]model.ServerCredential{},
		profiles: map[string]model.CredentialProfile{},
	}
	factory, vault := newTestFactory(t, repo)
	repo.profiles["prof-1"] = model.CredentialProfile{
		ID: "prof-1", Username: "svc-account", SecretEncrypted: encrypt(t, vault, "shared-secret"),
	}

	rc, err := factory.resolve(context.Background(), model.ServerCredential{
		Hostname: "h", Protocol: ProtocolSSH, CredentialProfileID: "prof-1",
	})
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if rc.Username != "svc-account" {
		t.Errorf("Username = %q, want profile username", rc.Username)
	}
	if rc.Password != "shared-secret" {
		t.Errorf("Password = %q, want profile secret", rc.Password)
	}
}

func TestResolveInlineCredentialWinsOverProfile(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{
		servers:  map[string]model.ServerCredential{},
		profiles: map[string]model.CredentialProfile{},
	}
	factory, vault := newTestFactory(t, repo)
	repo.profiles["prof-1"] = model.CredentialProfile{
		ID: "prof-1", Username: "svc-account", SecretEncrypted: encrypt(t, vault, "shared-secret"),
	}

	rc, err := factory.resolve(context.Background(), model.ServerCredential{
		Hostname: "h", Protocol: ProtocolSSH, Username: "root",
		PasswordEncrypted:   encrypt(t, vault, "inline-pw"),
		CredentialProfileID: "prof-1",
	})
	if err != nil {
		t.Fatalf("resolve() error = %v", err)
	}
	if rc.Username != "root" || rc.Password != "inline-pw" {
		t.Errorf("resolved = (%q, %q), want inline values to win", rc.Username, rc.Password)
	}
}

func TestDecryptProfileSecret(t *testing.T) {
	t.Parallel()

	repo := &fakeCredentialRepo{profiles: map[string]model.CredentialProfile{}}
	factory, vault := newTestFactory(t, repo)
	repo.profiles["prof-1"] = model.CredentialProfile{
		ID: "prof-1", SecretEncrypted: encrypt(t, vault, "tok-xyz"),
	}

	got, err := factory.DecryptProfileSecret(context.Background(), "prof-1")
	if err != nil {
		t.Fatalf("DecryptProfileSecret() error = %v", err)
	}
	if got != "tok-xyz" {
		t.Errorf("secret = %q, want tok-xyz", got)
	}

	if got, err := factory.DecryptProfileSecret(context.Background(), ""); err != nil || got != "" {
		t.Errorf("empty profile id = (%q, %v), want empty, nil", got, err)
	}
	if _, err := factory.DecryptProfileSecret(context.Background(), "ghost"); err == nil {
		t.Error("missing profile succeeded, want error")
	}
}
