package usecase

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cluster-pki-manager/internal/domain"
)

// mockKubeconfig はテスト用のモックkubeconfig書き込み。
type mockKubeconfig struct {
	entries []*domain.KubeconfigEntry
	err     error
}

func (m *mockKubeconfig) Install(ctx context.Context, entry *domain.KubeconfigEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func publicKeyOf(t *testing.T, keyPEM []byte) *rsa.PublicKey {
	t.Helper()
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		t.Fatal("failed to decode key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		t.Fatalf("failed to parse key: %v", err)
	}
	return &key.PublicKey
}

func setupAdminEnv(t *testing.T) (*testEnv, *AdminService, *mockKubeconfig) {
	t.Helper()
	env := newTestEnv(t)
	pki := NewPKIService(env.issuer, env.store, nil)
	if err := pki.GenerateCA(context.Background(), "demo", domain.TrustDomainKubernetes, testKeyK1); err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}
	kubeconfig := &mockKubeconfig{}
	return env, NewAdminService(env.issuer, env.store, kubeconfig, env.ledger), kubeconfig
}

func TestAdminService_CreateAndSign(t *testing.T) {
	ctx := context.Background()
	env, svc, _ := setupAdminEnv(t)

	if err := svc.Create(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dir := filepath.Join(env.root, "demo")
	keyPath := filepath.Join(dir, "alice-key.pem")
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("failed to stat admin key: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("want mode 0600, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.csr")); err != nil {
		t.Errorf("expected alice.csr: %v", err)
	}

	if err := svc.Sign(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("failed to read admin key: %v", err)
	}
	cert := readCert(t, filepath.Join(dir, "alice.pem"))
	ca := readCert(t, filepath.Join(dir, "ca.pem"))

	certKey, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("unexpected public key type %T", cert.PublicKey)
	}
	if !certKey.Equal(publicKeyOf(t, keyPEM)) {
		t.Error("certificate public key does not match the created key")
	}
	if !bytes.Equal(cert.RawIssuer, ca.RawSubject) {
		t.Errorf("issuer mismatch: want %s, got %s", ca.Subject, cert.Issuer)
	}
	if err := verifyAgainst(cert, ca); err != nil {
		t.Errorf("admin certificate does not verify against the cluster CA: %v", err)
	}
	if cert.Subject.CommonName != "alice" {
		t.Errorf("want CN alice, got %s", cert.Subject.CommonName)
	}

	if got := env.ledger.actions(domain.ArtifactActionSigned); got != 1 {
		t.Errorf("want 1 signed record, got %d", got)
	}
}

func TestAdminService_CreateRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	env, svc, _ := setupAdminEnv(t)

	if err := svc.Create(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keyPath := filepath.Join(env.root, "demo", "alice-key.pem")
	before, _ := os.ReadFile(keyPath)

	err := svc.Create(ctx, "demo", "alice")
	if !errors.Is(err, domain.ErrArtifactExists) {
		t.Fatalf("want ErrArtifactExists, got %v", err)
	}
	after, _ := os.ReadFile(keyPath)
	if !bytes.Equal(before, after) {
		t.Error("admin key was overwritten")
	}
}

func TestAdminService_InvalidNames(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := setupAdminEnv(t)

	for _, name := range []string{"ca", "masters", "etcd-peer", "Alice", "", "alice-key"} {
		if err := svc.Create(ctx, "demo", name); !errors.Is(err, domain.ErrInvalidName) {
			t.Errorf("Create(%q): want ErrInvalidName, got %v", name, err)
		}
	}
}

func TestAdminService_KeySuffixedNameKeepsOtherAdminKey(t *testing.T) {
	ctx := context.Background()
	env, svc, _ := setupAdminEnv(t)

	if err := svc.Create(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	keyPath := filepath.Join(env.root, "demo", "alice-key.pem")
	before, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("failed to read admin key: %v", err)
	}

	if err := svc.Create(ctx, "demo", "alice-key"); !errors.Is(err, domain.ErrInvalidName) {
		t.Errorf("Create: want ErrInvalidName, got %v", err)
	}
	if err := svc.Sign(ctx, "demo", "alice-key"); !errors.Is(err, domain.ErrInvalidName) {
		t.Errorf("Sign: want ErrInvalidName, got %v", err)
	}

	after, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("failed to read admin key: %v", err)
	}
	if !bytes.Equal(before, after) || !bytes.Contains(after, []byte("PRIVATE KEY")) {
		t.Error("alice's private key was overwritten")
	}
}

func TestAdminService_SignWithoutCSR(t *testing.T) {
	_, svc, _ := setupAdminEnv(t)

	err := svc.Sign(context.Background(), "demo", "bob")
	if !errors.Is(err, domain.ErrArtifactNotFound) {
		t.Errorf("want ErrArtifactNotFound, got %v", err)
	}
}

func TestAdminService_SignWithoutCA(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	svc := NewAdminService(env.issuer, env.store, &mockKubeconfig{}, nil)

	if err := svc.Create(ctx, "other", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Sign(ctx, "other", "alice"); !errors.Is(err, domain.ErrCANotFound) {
		t.Errorf("want ErrCANotFound, got %v", err)
	}
}

func TestAdminService_Install(t *testing.T) {
	ctx := context.Background()
	env, svc, kubeconfig := setupAdminEnv(t)

	if err := svc.Create(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Install(ctx, "demo", "example.com", "alice"); !errors.Is(err, domain.ErrArtifactNotFound) {
		t.Fatalf("install before sign: want ErrArtifactNotFound, got %v", err)
	}
	if err := svc.Sign(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := svc.Install(ctx, "demo", "example.com", "alice"); err != nil {
		t.Fatalf("Install failed: %v", err)
	}

	if len(kubeconfig.entries) != 1 {
		t.Fatalf("want 1 kubeconfig entry, got %d", len(kubeconfig.entries))
	}
	entry := kubeconfig.entries[0]
	if entry.Server != "https://kubernetes.example.com" {
		t.Errorf("unexpected server: %s", entry.Server)
	}
	if entry.UserName != "alice-demo" || entry.ClusterName != "demo" || entry.ContextName != "demo" {
		t.Errorf("unexpected names: %+v", entry)
	}
	caPEM, _ := os.ReadFile(filepath.Join(env.root, "demo", "ca.pem"))
	if !bytes.Equal(entry.CAData, caPEM) {
		t.Error("kubeconfig CA does not match the cluster CA")
	}
}

func TestAdminService_InstallFailure(t *testing.T) {
	ctx := context.Background()
	_, svc, kubeconfig := setupAdminEnv(t)
	kubeconfig.err = errors.New("permission denied")

	if err := svc.Create(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := svc.Sign(ctx, "demo", "alice"); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if err := svc.Install(ctx, "demo", "example.com", "alice"); err == nil {
		t.Error("expected install error")
	}
}
