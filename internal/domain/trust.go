// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// TrustDomain は独立した認証局階層を表す。
type TrustDomain string

const (
	// TrustDomainKubernetes はKubernetes API用の認証局階層。
	TrustDomainKubernetes TrustDomain = "kubernetes"
	// TrustDomainEtcdClient はetcdクライアント/サーバ用の認証局階層。
	TrustDomainEtcdClient TrustDomain = "etcd"
	// TrustDomainEtcdPeer はetcdピア通信用の認証局階層。
	TrustDomainEtcdPeer TrustDomain = "etcd-peer"
)

// TrustDomains は生成順に並んだ全トラストドメイン。
var TrustDomains = []TrustDomain{
	TrustDomainKubernetes,
	TrustDomainEtcdClient,
	TrustDomainEtcdPeer,
}

// Subject はトラストドメイン内でリーフ証明書を受け取る役割。
type Subject struct {
	Name       string
	FileBase   string
	CommonName string
	// ServerFacing の場合はTLS検証用のSANを付与する。
	ServerFacing bool
}

type trustDomainSpec struct {
	caFileBase   string
	caCommonName string
	subjects     []Subject
}

var trustDomainSpecs = map[TrustDomain]trustDomainSpec{
	TrustDomainKubernetes: {
		caFileBase:   "ca",
		caCommonName: "kubernetes-ca",
		subjects: []Subject{
			{Name: "masters", FileBase: "masters", CommonName: "kubernetes-master", ServerFacing: true},
			{Name: "nodes", FileBase: "nodes", CommonName: "kubernetes-node"},
		},
	},
	TrustDomainEtcdClient: {
		caFileBase:   "etcd-ca",
		caCommonName: "etcd-ca",
		subjects: []Subject{
			{Name: "client", FileBase: "etcd-client", CommonName: "etcd-client"},
			{Name: "server", FileBase: "etcd-server", CommonName: "etcd-server"},
		},
	},
	TrustDomainEtcdPeer: {
		caFileBase:   "etcd-peer-ca",
		caCommonName: "etcd-peer-ca",
		subjects: []Subject{
			{Name: "peer", FileBase: "etcd-peer", CommonName: "etcd-peer"},
		},
	},
}

// ParseTrustDomain は文字列からトラストドメインを解決する。
func ParseTrustDomain(s string) (TrustDomain, error) {
	d := TrustDomain(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := trustDomainSpecs[d]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTrustDomain, s)
	}
	return d, nil
}

// CAFileBase はCA成果物のファイル名の基底部を返す。
func (d TrustDomain) CAFileBase() string {
	return trustDomainSpecs[d].caFileBase
}

// CACommonName はクラスタ名を含むCAのCNを返す。
func (d TrustDomain) CACommonName(cluster string) string {
	return fmt.Sprintf("%s-%s", trustDomainSpecs[d].caCommonName, cluster)
}

// Subjects はドメインに属するサブジェクトを生成順に返す。
func (d TrustDomain) Subjects() []Subject {
	subjects := trustDomainSpecs[d].subjects
	out := make([]Subject, len(subjects))
	copy(out, subjects)
	return out
}

// Subject は名前からサブジェクトを解決する。
func (d TrustDomain) Subject(name string) (Subject, error) {
	for _, s := range trustDomainSpecs[d].subjects {
		if s.Name == name {
			return s, nil
		}
	}
	return Subject{}, fmt.Errorf("%w: %q in trust domain %s", ErrUnknownSubject, name, d)
}

var nameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ValidateName はクラスタ名・管理者名の形式を検証する。
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// MasterKeyRef はデータ鍵をラップするマスター鍵の参照。
type MasterKeyRef struct {
	Region string
	KeyID  string
}

// ResourceName はCloud KMSの鍵リソース名を返す。
// KeyIDが完全なリソース名の場合はそのまま使う。
func (r MasterKeyRef) ResourceName(project string) string {
	if strings.HasPrefix(r.KeyID, "projects/") {
		return r.KeyID
	}
	ring, key, ok := strings.Cut(r.KeyID, "/")
	if !ok {
		return r.KeyID
	}
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s", project, r.Region, ring, key)
}

// Validate はマスター鍵参照の必須項目を検証する。
func (r MasterKeyRef) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("%w: key id is required", ErrInvalidMasterKey)
	}
	if strings.HasPrefix(r.KeyID, "projects/") {
		return nil
	}
	if r.Region == "" {
		return fmt.Errorf("%w: region is required", ErrInvalidMasterKey)
	}
	if ring, key, ok := strings.Cut(r.KeyID, "/"); !ok || ring == "" || key == "" {
		return fmt.Errorf("%w: key id must be <keyRing>/<cryptoKey>: %q", ErrInvalidMasterKey, r.KeyID)
	}
	return nil
}

// IsReservedFileBase は名前がCAまたはサブジェクトの成果物と衝突するかを返す。
func IsReservedFileBase(name string) bool {
	for _, spec := range trustDomainSpecs {
		if spec.caFileBase == name {
			return true
		}
		for _, s := range spec.subjects {
			if s.FileBase == name {
				return true
			}
		}
	}
	return false
}
