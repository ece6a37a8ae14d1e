package infra

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"

	"cluster-pki-manager/internal/domain"
)

// Kubeconfig は管理者の認証情報をkubeconfigファイルに書き込む。
type Kubeconfig struct {
	path string
}

// NewKubeconfig は新しいKubeconfigを生成する。pathが空の場合は ~/.kube/config を使う。
func NewKubeconfig(path string) *Kubeconfig {
	if path == "" {
		path = clientcmd.RecommendedHomeFile
	}
	return &Kubeconfig{path: path}
}

// Path は書き込み先のパスを返す。
func (k *Kubeconfig) Path() string {
	return k.path
}

// Install はクラスタ・ユーザー・コンテキストを追加または更新し、現在のコンテキストに設定する。
// 他のエントリはそのまま残す。
func (k *Kubeconfig) Install(ctx context.Context, entry *domain.KubeconfigEntry) error {
	config, err := clientcmd.LoadFromFile(k.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return domain.NewOpError("load kubeconfig", k.path, domain.ErrFilesystem, err)
		}
		config = clientcmdapi.NewConfig()
	}

	cluster := clientcmdapi.NewCluster()
	cluster.Server = entry.Server
	cluster.CertificateAuthorityData = entry.CAData
	config.Clusters[entry.ClusterName] = cluster

	authInfo := clientcmdapi.NewAuthInfo()
	authInfo.ClientCertificateData = entry.CertData
	authInfo.ClientKeyData = entry.KeyData
	config.AuthInfos[entry.UserName] = authInfo

	kubeContext := clientcmdapi.NewContext()
	kubeContext.Cluster = entry.ClusterName
	kubeContext.AuthInfo = entry.UserName
	config.Contexts[entry.ContextName] = kubeContext
	config.CurrentContext = entry.ContextName

	if err := clientcmd.WriteToFile(*config, k.path); err != nil {
		return domain.NewOpError("write kubeconfig", k.path, domain.ErrFilesystem, err)
	}

	slog.DebugContext(ctx, "updated kubeconfig",
		"operation", "install_kubeconfig",
		"path", k.path,
		"context", entry.ContextName,
	)
	return nil
}
