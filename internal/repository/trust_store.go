package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cluster-pki-manager/internal/domain"
	"cluster-pki-manager/pkg/fsutil"
)

const (
	certSuffix         = ".pem"
	encryptedKeySuffix = "-key-encrypted.base64"
	plainKeySuffix     = "-key.pem"
	csrSuffix          = ".csr"
)

// KeyEncrypter は鍵をディスクに書く前に通すエンベロープ暗号化のインターフェース。
type KeyEncrypter interface {
	EncryptAndWriteFile(ctx context.Context, plaintext []byte, ref domain.MasterKeyRef, path string) error
	Decrypt(ctx context.Context, blob domain.EncryptedBlob) ([]byte, error)
}

// FileTrustStore は (クラスタ, トラストドメイン, サブジェクト) を成果物のパスに対応付ける。
// CA・サービス鍵は必ず暗号化して保存し、証明書とCSRは平文で保存する。
type FileTrustStore struct {
	root      string
	encrypter KeyEncrypter
	writeFile func(path string, data []byte, perm os.FileMode) error
}

var errNoEncrypter = errors.New("trust store has no key encrypter configured")

// NewFileTrustStore は新しいFileTrustStoreを生成する。
// encrypterがnilのストアは証明書・CSR・管理者資格情報のみを扱える。
func NewFileTrustStore(root string, encrypter KeyEncrypter) *FileTrustStore {
	return &FileTrustStore{root: root, encrypter: encrypter, writeFile: fsutil.WriteFileAtomic}
}

// ClusterDir はクラスタの成果物ディレクトリを返す。
func (s *FileTrustStore) ClusterDir(cluster string) string {
	return filepath.Join(s.root, cluster)
}

// CertPath は証明書のパスを返す。
func (s *FileTrustStore) CertPath(cluster, base string) string {
	return filepath.Join(s.ClusterDir(cluster), base+certSuffix)
}

// EncryptedKeyPath は暗号化された鍵のパスを返す。
func (s *FileTrustStore) EncryptedKeyPath(cluster, base string) string {
	return filepath.Join(s.ClusterDir(cluster), base+encryptedKeySuffix)
}

// PlainKeyPath は平文の管理者鍵のパスを返す。
func (s *FileTrustStore) PlainKeyPath(cluster, base string) string {
	return filepath.Join(s.ClusterDir(cluster), base+plainKeySuffix)
}

// CSRPath はCSRのパスを返す。
func (s *FileTrustStore) CSRPath(cluster, base string) string {
	return filepath.Join(s.ClusterDir(cluster), base+csrSuffix)
}

func (s *FileTrustStore) ensureClusterDir(cluster string) error {
	dir := s.ClusterDir(cluster)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return domain.NewOpError("create cluster dir", dir, domain.ErrFilesystem, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, domain.NewOpError("stat", path, domain.ErrFilesystem, err)
}

// HasCA はトラストドメインのCA成果物が存在するか確認する。
// 証明書と暗号化鍵の片方のみ存在する場合も存在とみなす。
func (s *FileTrustStore) HasCA(cluster string, d domain.TrustDomain) (bool, error) {
	certExists, err := exists(s.CertPath(cluster, d.CAFileBase()))
	if err != nil {
		return false, err
	}
	keyExists, err := exists(s.EncryptedKeyPath(cluster, d.CAFileBase()))
	if err != nil {
		return false, err
	}
	return certExists || keyExists, nil
}

// HasSubject はサブジェクトの証明書と暗号化鍵が両方存在するか確認する。
func (s *FileTrustStore) HasSubject(cluster string, subject domain.Subject) (bool, error) {
	certExists, err := exists(s.CertPath(cluster, subject.FileBase))
	if err != nil {
		return false, err
	}
	keyExists, err := exists(s.EncryptedKeyPath(cluster, subject.FileBase))
	if err != nil {
		return false, err
	}
	return certExists && keyExists, nil
}

// SaveCA はCAの証明書を平文で、鍵を暗号化して保存する。
func (s *FileTrustStore) SaveCA(ctx context.Context, cluster string, d domain.TrustDomain, ca *domain.CertificateAuthority, ref domain.MasterKeyRef) error {
	return s.saveKeyPair(ctx, cluster, d.CAFileBase(), ca.Cert, ca.Key, ref)
}

// SaveSubject はリーフ証明書を平文で、鍵を暗号化して保存する。
func (s *FileTrustStore) SaveSubject(ctx context.Context, cluster string, subject domain.Subject, cert domain.Certificate, key domain.PrivateKey, ref domain.MasterKeyRef) error {
	return s.saveKeyPair(ctx, cluster, subject.FileBase, cert, key, ref)
}

// saveKeyPair は暗号化鍵を書いてから証明書を書く。
func (s *FileTrustStore) saveKeyPair(ctx context.Context, cluster, base string, cert domain.Certificate, key domain.PrivateKey, ref domain.MasterKeyRef) error {
	if s.encrypter == nil {
		return errNoEncrypter
	}
	if err := s.ensureClusterDir(cluster); err != nil {
		return err
	}
	keyPath := s.EncryptedKeyPath(cluster, base)
	if err := s.encrypter.EncryptAndWriteFile(ctx, key, ref, keyPath); err != nil {
		slog.ErrorContext(ctx, "failed to write encrypted key",
			"operation", "save_key_pair",
			"cluster", cluster,
			"path", keyPath,
			"error", err,
		)
		return err
	}
	certPath := s.CertPath(cluster, base)
	if err := s.writeFile(certPath, cert, 0644); err != nil {
		return domain.NewOpError("write certificate", certPath, domain.ErrFilesystem, err)
	}
	slog.DebugContext(ctx, "saved key pair", "cluster", cluster, "cert", certPath, "key", keyPath)
	return nil
}

// LoadCA はCAの証明書を読み込み、鍵をメモリ上で復号する。
func (s *FileTrustStore) LoadCA(ctx context.Context, cluster string, d domain.TrustDomain) (*domain.CertificateAuthority, error) {
	cert, err := s.LoadCACertificate(cluster, d)
	if err != nil {
		return nil, err
	}
	keyPath := s.EncryptedKeyPath(cluster, d.CAFileBase())
	blob, err := s.ReadBlob(keyPath)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactNotFound) {
			return nil, domain.NewOpError("load ca key", keyPath, domain.ErrCANotFound, err)
		}
		return nil, err
	}
	if s.encrypter == nil {
		return nil, errNoEncrypter
	}
	key, err := s.encrypter.Decrypt(ctx, blob)
	if err != nil {
		return nil, domain.NewOpError("decrypt ca key", keyPath, nil, err)
	}
	return &domain.CertificateAuthority{Cert: cert, Key: key}, nil
}

// LoadCACertificate はCAの証明書のみを読み込む。
func (s *FileTrustStore) LoadCACertificate(cluster string, d domain.TrustDomain) (domain.Certificate, error) {
	path := s.CertPath(cluster, d.CAFileBase())
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewOpError("load ca certificate", path, domain.ErrCANotFound, nil)
		}
		return nil, domain.NewOpError("load ca certificate", path, domain.ErrFilesystem, err)
	}
	return data, nil
}

// SaveAdminRequest は管理者のCSRと鍵を平文で保存する。管理者鍵はエスクローしない。
// 同名の成果物（CSR・鍵・証明書）が1つでもあれば上書きしない。
func (s *FileTrustStore) SaveAdminRequest(cluster, name string, csr domain.CertificateSigningRequest, key domain.PrivateKey) error {
	if err := s.ensureClusterDir(cluster); err != nil {
		return err
	}
	csrPath := s.CSRPath(cluster, name)
	keyPath := s.PlainKeyPath(cluster, name)
	certPath := s.CertPath(cluster, name)
	for _, p := range []string{csrPath, keyPath, certPath} {
		ok, err := exists(p)
		if err != nil {
			return err
		}
		if ok {
			return domain.NewOpError("save admin request", p, domain.ErrArtifactExists, nil)
		}
	}
	if err := s.writeFile(keyPath, key, 0600); err != nil {
		return domain.NewOpError("write admin key", keyPath, domain.ErrFilesystem, err)
	}
	if err := s.writeFile(csrPath, csr, 0644); err != nil {
		// 鍵だけが残ると再実行が ErrArtifactExists で拒否される
		if rmErr := os.Remove(keyPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			slog.Error("failed to remove admin key after csr write failure",
				"operation", "save_admin_request",
				"path", keyPath,
				"error", rmErr,
			)
		}
		return domain.NewOpError("write admin csr", csrPath, domain.ErrFilesystem, err)
	}
	return nil
}

// LoadAdminCSR は管理者のCSRを読み込む。
func (s *FileTrustStore) LoadAdminCSR(cluster, name string) (domain.CertificateSigningRequest, error) {
	return s.readArtifact("load admin csr", s.CSRPath(cluster, name))
}

// LoadAdminCredentials は管理者の証明書と平文鍵を読み込む。
func (s *FileTrustStore) LoadAdminCredentials(cluster, name string) (domain.Certificate, domain.PrivateKey, error) {
	cert, err := s.readArtifact("load admin certificate", s.CertPath(cluster, name))
	if err != nil {
		return nil, nil, err
	}
	key, err := s.readArtifact("load admin key", s.PlainKeyPath(cluster, name))
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// SaveAdminCertificate は署名済みの管理者証明書を保存する。
func (s *FileTrustStore) SaveAdminCertificate(cluster, name string, cert domain.Certificate) error {
	if err := s.ensureClusterDir(cluster); err != nil {
		return err
	}
	path := s.CertPath(cluster, name)
	if err := s.writeFile(path, cert, 0644); err != nil {
		return domain.NewOpError("write admin certificate", path, domain.ErrFilesystem, err)
	}
	return nil
}

func (s *FileTrustStore) readArtifact(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewOpError(op, path, domain.ErrArtifactNotFound, nil)
		}
		return nil, domain.NewOpError(op, path, domain.ErrFilesystem, err)
	}
	return data, nil
}

// EncryptedKeyPaths はクラスタの暗号化された鍵ファイルをパス順に返す。
func (s *FileTrustStore) EncryptedKeyPaths(cluster string) ([]string, error) {
	dir := s.ClusterDir(cluster)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewOpError("list encrypted keys", dir, domain.ErrArtifactNotFound, nil)
		}
		return nil, domain.NewOpError("list encrypted keys", dir, domain.ErrFilesystem, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), encryptedKeySuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadBlob は暗号化された鍵ファイルを読み込む。
func (s *FileTrustStore) ReadBlob(path string) (domain.EncryptedBlob, error) {
	data, err := s.readArtifact("read encrypted key", path)
	if err != nil {
		return "", err
	}
	return domain.EncryptedBlob(data), nil
}

// ReplaceBlob は暗号化された鍵ファイルをアトミックに置き換える。
func (s *FileTrustStore) ReplaceBlob(path string, blob domain.EncryptedBlob) error {
	if !strings.HasSuffix(path, encryptedKeySuffix) {
		return domain.NewOpError("replace encrypted key", path, domain.ErrFilesystem, fmt.Errorf("not an encrypted key artifact"))
	}
	if err := s.writeFile(path, []byte(blob), 0644); err != nil {
		return domain.NewOpError("replace encrypted key", path, domain.ErrFilesystem, err)
	}
	return nil
}
