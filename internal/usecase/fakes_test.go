package usecase

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/internal/infra"
	"cluster-pki-manager/internal/repository"
)

const testProject = "test-project"

var (
	testKeyK1 = domain.MasterKeyRef{Region: "asia-northeast1", KeyID: "pki/k1"}
	testKeyK2 = domain.MasterKeyRef{Region: "asia-northeast1", KeyID: "pki/k2"}
)

// fakeKMS はテスト用のインメモリKMS。authorized に含まれる鍵のみ利用できる。
type fakeKMS struct {
	mu         sync.Mutex
	secrets    map[string][]byte
	authorized map[string]bool
	encryptErr error
	decryptErr error
	encrypts   int
	decrypts   int
}

func newFakeKMS(refs ...domain.MasterKeyRef) *fakeKMS {
	f := &fakeKMS{
		secrets:    make(map[string][]byte),
		authorized: make(map[string]bool),
	}
	for _, ref := range refs {
		f.authorize(ref)
	}
	return f
}

func (f *fakeKMS) authorize(ref domain.MasterKeyRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := ref.ResourceName(testProject)
	if _, ok := f.secrets[name]; !ok {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic(err)
		}
		f.secrets[name] = secret
	}
	f.authorized[name] = true
}

func (f *fakeKMS) revoke(ref domain.MasterKeyRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorized[ref.ResourceName(testProject)] = false
}

func (f *fakeKMS) aead(keyName string) (cipher.AEAD, error) {
	if !f.authorized[keyName] {
		return nil, fmt.Errorf("%w: permission denied on %s", domain.ErrRemoteKeyService, keyName)
	}
	block, err := aes.NewCipher(f.secrets[keyName])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (f *fakeKMS) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.encrypts++
	if f.encryptErr != nil {
		return nil, f.encryptErr
	}
	aead, err := f.aead(keyName)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(keyName)), nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrypts++
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	aead, err := f.aead(keyName)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	plaintext, err := aead.Open(nil, ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():], []byte(keyName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

// mockLedger はテスト用のモック台帳。
type mockLedger struct {
	records   []*domain.ArtifactRecord
	recordErr error
	findErr   error
}

func (m *mockLedger) Record(ctx context.Context, record *domain.ArtifactRecord) error {
	if m.recordErr != nil {
		return m.recordErr
	}
	m.records = append(m.records, record)
	return nil
}

func (m *mockLedger) FindByCluster(ctx context.Context, cluster string) ([]*domain.ArtifactRecord, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	var out []*domain.ArtifactRecord
	for _, r := range m.records {
		if r.Cluster == cluster {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockLedger) actions(action domain.ArtifactAction) int {
	n := 0
	for _, r := range m.records {
		if r.Action == action {
			n++
		}
	}
	return n
}

// testEnv は実際のエンベロープ暗号化・トラストストア・ローカル発行エンジンを組み合わせる。
type testEnv struct {
	root     string
	kms      *fakeKMS
	envelope *EnvelopeService
	store    *repository.FileTrustStore
	issuer   *infra.LocalIssuer
	ledger   *mockLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	kms := newFakeKMS(testKeyK1)
	envelope := NewEnvelopeService(kms, testProject)
	return &testEnv{
		root:     root,
		kms:      kms,
		envelope: envelope,
		store:    repository.NewFileTrustStore(root, envelope),
		issuer:   infra.NewLocalIssuer(),
		ledger:   &mockLedger{},
	}
}

// failingIssuer は指定された操作で失敗する発行エンジン。
type failingIssuer struct {
	Issuer
	failLeafAfter int
	leaves        int
	err           error
}

func (f *failingIssuer) GenerateLeaf(ctx context.Context, ca *domain.CertificateAuthority, commonName string, hosts []string) (domain.Certificate, domain.PrivateKey, error) {
	if f.leaves >= f.failLeafAfter {
		return nil, nil, f.err
	}
	f.leaves++
	return f.Issuer.GenerateLeaf(ctx, ca, commonName, hosts)
}

// assertNoPlaintextKeys はクラスタディレクトリに平文の秘密鍵が無いことを確認する。
func assertNoPlaintextKeys(t *testing.T, dir string) {
	t.Helper()
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if strings.Contains(string(data), "PRIVATE KEY") {
			t.Errorf("plaintext private key found in %s", path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("failed to walk %s: %v", dir, err)
	}
}
