package domain

import "time"

// Certificate はPEMエンコードされた証明書。
type Certificate []byte

// CertificateSigningRequest はPEMエンコードされたCSR。
type CertificateSigningRequest []byte

// PrivateKey はPEMエンコードされた秘密鍵（機密）。
type PrivateKey []byte

// Zero は鍵のバイト列をゼロクリアする。
func (k PrivateKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// EncryptedBlob はエンベロープ暗号化されたBase64文字列。
type EncryptedBlob string

// CertificateAuthority は証明書と秘密鍵の組。
type CertificateAuthority struct {
	Cert Certificate
	Key  PrivateKey
}

// ArtifactKind は成果物の種類。
type ArtifactKind string

const (
	ArtifactKindCertificate  ArtifactKind = "certificate"
	ArtifactKindEncryptedKey ArtifactKind = "encrypted-key"
	ArtifactKindPlainKey     ArtifactKind = "plain-key"
	ArtifactKindCSR          ArtifactKind = "csr"
)

// ArtifactAction は台帳に記録する操作。
type ArtifactAction string

const (
	ArtifactActionIssued  ArtifactAction = "issued"
	ArtifactActionSigned  ArtifactAction = "signed"
	ArtifactActionRotated ArtifactAction = "rotated"
)

// ArtifactRecord は成果物台帳の1行を表す（鍵の中身は含まない）。
type ArtifactRecord struct {
	ID        string
	Cluster   string
	Domain    string
	Subject   string
	Kind      ArtifactKind
	Path      string
	MasterKey string
	Action    ArtifactAction
	CreatedAt time.Time
}
