package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opsforge/remediation/internal/model"
)

// CredentialRepo is the persistence surface ExecutorFactory depends on.
type CredentialRepo interface {
	GetServerCredential(ctx context.Context, id string) (model.ServerCredential, error)
	GetCredentialProfile(ctx context.Context, id string) (model.CredentialProfile, error)
}

// Protocols a ServerCredential may declare.
const (
	ProtocolSSH   = "ssh"
	ProtocolWinRM = "winrm"
	ProtocolHTTP  = "http"
)

// poolKey identifies a reusable connected Executor by (hostname, port).
type poolKey struct {
	hostname string
	port     int
}

// Factory decrypts a target's credentials and builds the Executor variant
// its protocol calls for, reusing a connected instance when one is already
// healthy for that (hostname, port).
type Factory struct {
	repo  CredentialRepo
	vault *Vault

	mu   sync.Mutex
	pool map[poolKey]Executor
}

// NewFactory constructs a Factory backed by repo, decrypting secrets with
// vault.
func NewFactory(repo CredentialRepo, vault *Vault) *Factory {
	return &Factory{repo: repo, vault: vault, pool: make(map[poolKey]Executor)}
}

// resolvedCredential carries a ServerCredential with its secrets decrypted
// and a shared credential profile's username/secret merged in when the
// inline slot was empty.
type resolvedCredential struct {
	model.ServerCredential
	Password     string
	SSHKey       string
	APIToken     string
	SudoPassword string
}

func (f *Factory) resolve(ctx context.Context, c model.ServerCredential) (resolvedCredential, error) {
	rc := resolvedCredential{ServerCredential: c}

	if pw, err := f.vault.Decrypt(c.PasswordEncrypted); err == nil {
		rc.Password = pw
	} else if err != ErrEmptySecret {
		return resolvedCredential{}, err
	}
	if key, err := f.vault.Decrypt(c.SSHKeyEncrypted); err == nil {
		rc.SSHKey = key
	} else if err != ErrEmptySecret {
		return resolvedCredential{}, err
	}
	if tok, err := f.vault.Decrypt(c.APITokenEncrypted); err == nil {
		rc.APIToken = tok
	} else if err != ErrEmptySecret {
		return resolvedCredential{}, err
	}
	if sudo, err := f.vault.Decrypt(c.SudoPasswordEncrypted); err == nil {
		rc.SudoPassword = sudo
	} else if err != ErrEmptySecret {
		return resolvedCredential{}, err
	}

	if c.CredentialProfileID == "" {
		return rc, nil
	}
	profile, err := f.repo.GetCredentialProfile(ctx, c.CredentialProfileID)
	if err != nil {
		return resolvedCredential{}, fmt.Errorf("executor: credential profile %s: %w", c.CredentialProfileID, err)
	}
	secret, err := f.vault.Decrypt(profile.SecretEncrypted)
	if err != nil && err != ErrEmptySecret {
		return resolvedCredential{}, err
	}
	if rc.Username == "" {
		rc.Username = profile.Username
	}
	// A profile secret fills in whichever inline slot the protocol needs
	// and the server record left empty.
	switch c.Protocol {
	case ProtocolSSH:
		if strings.Contains(secret, "PRIVATE KEY") {
			if rc.SSHKey == "" {
				rc.SSHKey = secret
			}
		} else if rc.Password == "" {
			rc.Password = secret
		}
	case ProtocolHTTP:
		if rc.APIToken == "" {
			rc.APIToken = secret
		}
	default:
		if rc.Password == "" {
			rc.Password = secret
		}
	}
	return rc, nil
}

// For returns an Executor for serverID. A freshly built Executor is not
// yet connected; it connects on first use. A pooled Executor is first
// probed with TestConnection (which may dial the target) and is evicted
// and rebuilt if the probe fails.
func (f *Factory) For(ctx context.Context, serverID string) (Executor, error) {
	cred, err := f.repo.GetServerCredential(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("executor: server credential %s: %w", serverID, err)
	}
	return f.forCredential(ctx, cred)
}

func (f *Factory) forCredential(ctx context.Context, cred model.ServerCredential) (Executor, error) {
	key := poolKey{hostname: cred.Hostname, port: cred.Port}

	f.mu.Lock()
	if ex, ok := f.pool[key]; ok {
		f.mu.Unlock()
		if err := ex.TestConnection(ctx); err == nil {
			return ex, nil
		}
		f.Evict(key.hostname, key.port)
	} else {
		f.mu.Unlock()
	}

	rc, err := f.resolve(ctx, cred)
	if err != nil {
		return nil, err
	}

	var ex Executor
	switch rc.Protocol {
	case ProtocolSSH:
		ex = newSSHExecutor(rc)
	case ProtocolWinRM:
		ex = newWinRMExecutor(rc)
	case ProtocolHTTP:
		ex = newHTTPExecutor(rc)
	default:
		return nil, fmt.Errorf("executor: unknown protocol %q", rc.Protocol)
	}

	f.mu.Lock()
	f.pool[key] = ex
	f.mu.Unlock()
	return ex, nil
}

// DecryptProfileSecret resolves a CredentialProfile by ID and decrypts its
// secret, for callers building an ad-hoc credential (an API step's
// api_credential_profile_id) that isn't tied to a ServerCredential/pooled
// Executor.
func (f *Factory) DecryptProfileSecret(ctx context.Context, profileID string) (string, error) {
	if profileID == "" {
		return "", nil
	}
	profile, err := f.repo.GetCredentialProfile(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("executor: credential profile %s: %w", profileID, err)
	}
	secret, err := f.vault.Decrypt(profile.SecretEncrypted)
	if err != nil && err != ErrEmptySecret {
		return "", err
	}
	return secret, nil
}

// NewAPIExecutor builds a standalone HTTP-API Executor, independent of the
// connection pool, for a step whose target is a URL rather than a pooled
// server at all.
func NewAPIExecutor() Executor {
	return newHTTPExecutor(resolvedCredential{})
}

// Evict drops a pooled Executor for (hostname, port), e.g. after a
// transport error invalidates its connection.
func (f *Factory) Evict(hostname string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pool, poolKey{hostname: hostname, port: port})
}

// TestServerConnection dials out immediately, bypassing the lazy-connect
// default, to validate a credential record end to end.
func (f *Factory) TestServerConnection(ctx context.Context, serverID string) error {
	ex, err := f.For(ctx, serverID)
	if err != nil {
		return err
	}
	return ex.TestConnection(ctx)
}
