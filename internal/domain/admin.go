package domain

import (
	"fmt"
	"strings"
)

// KubeconfigEntry は管理者用kubeconfigに書き込むクラスタ・ユーザー・コンテキスト。
type KubeconfigEntry struct {
	ClusterName string
	Server      string
	CAData      Certificate
	UserName    string
	CertData    Certificate
	KeyData     PrivateKey
	ContextName string
}

// adminKeySuffix は管理者の平文鍵ファイル名の接尾辞（<name>-key.pem）。
const adminKeySuffix = "-key"

// ValidateAdminName は管理者名を検証する。
// CA・サブジェクトの成果物名、および他の管理者の鍵ファイル名とは衝突させない。
func ValidateAdminName(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if IsReservedFileBase(name) {
		return fmt.Errorf("%w: %q is reserved for cluster artifacts", ErrInvalidName, name)
	}
	// <name>.pem が別の管理者の <base>-key.pem と同じパスになる
	if strings.HasSuffix(name, adminKeySuffix) {
		return fmt.Errorf("%w: %q must not end with %q", ErrInvalidName, name, adminKeySuffix)
	}
	return nil
}

// NewKubeconfigEntry は管理者の認証情報からkubeconfigエントリを組み立てる。
func NewKubeconfigEntry(cluster, dnsDomain, name string, ca, cert Certificate, key PrivateKey) *KubeconfigEntry {
	return &KubeconfigEntry{
		ClusterName: cluster,
		Server:      "https://kubernetes." + dnsDomain,
		CAData:      ca,
		UserName:    fmt.Sprintf("%s-%s", name, cluster),
		CertData:    cert,
		KeyData:     key,
		ContextName: cluster,
	}
}
