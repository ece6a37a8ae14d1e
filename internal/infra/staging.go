package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"cluster-pki-manager/internal/domain"
)

// StagingDir は呼び出しごとに一意な一時ディレクトリ。
type StagingDir struct {
	path string
}

// WithStagingDir は一時ディレクトリを作成してfnに渡し、戻る前に必ず削除する。
// fnがエラーを返した場合やpanicした場合も削除される。
func WithStagingDir(root string, fn func(dir *StagingDir) error) (err error) {
	path, err := os.MkdirTemp(root, "pki-stage-")
	if err != nil {
		return domain.NewOpError("create staging dir", root, domain.ErrFilesystem, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(path); rmErr != nil && err == nil {
			err = domain.NewOpError("remove staging dir", path, domain.ErrFilesystem, rmErr)
		}
	}()
	return fn(&StagingDir{path: path})
}

// Path はディレクトリのパスを返す。
func (d *StagingDir) Path() string {
	return d.path
}

// Write はディレクトリ内にファイルを所有者のみ読める権限で書き込み、そのパスを返す。
func (d *StagingDir) Write(name string, data []byte) (string, error) {
	path := filepath.Join(d.path, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", domain.NewOpError("stage", path, domain.ErrFilesystem, fmt.Errorf("writing staged file: %w", err))
	}
	return path, nil
}

// StageCA はCAの証明書と鍵をディレクトリに書き込む。
func (d *StagingDir) StageCA(ca *domain.CertificateAuthority) (certPath, keyPath string, err error) {
	certPath, err = d.Write("ca.pem", ca.Cert)
	if err != nil {
		return "", "", err
	}
	keyPath, err = d.Write("ca-key.pem", ca.Key)
	if err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}
