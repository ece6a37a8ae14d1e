package infra

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"cluster-pki-manager/internal/domain"
)

const (
	caValidity   = 5 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// LocalIssuer はプロセス内でcrypto/x509を使って証明書を発行する。
// cfsslと同じ鍵パラメータ（RSA 2048）とPEM形式を出力する。
type LocalIssuer struct {
	now func() time.Time
}

// NewLocalIssuer は新しいLocalIssuerを生成する。
func NewLocalIssuer() *LocalIssuer {
	return &LocalIssuer{now: time.Now}
}

// GenerateCA は自己署名のCAを生成する。
func (l *LocalIssuer) GenerateCA(ctx context.Context, commonName string) (*domain.CertificateAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, domain.NewOpError("generate ca", "", domain.ErrIssuance, err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := l.now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, domain.NewOpError("generate ca", "", domain.ErrIssuance, err)
	}
	return &domain.CertificateAuthority{
		Cert: encodeCertPEM(der),
		Key:  encodeKeyPEM(key),
	}, nil
}

// GenerateLeaf はCAで署名されたリーフ証明書と鍵を生成する。
func (l *LocalIssuer) GenerateLeaf(ctx context.Context, ca *domain.CertificateAuthority, commonName string, hosts []string) (domain.Certificate, domain.PrivateKey, error) {
	caCert, caKey, err := parseCA(ca)
	if err != nil {
		return nil, nil, err
	}
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, domain.NewOpError("generate leaf", "", domain.ErrIssuance, err)
	}
	tmpl, err := l.leafTemplate(pkix.Name{CommonName: commonName}, hosts)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, domain.NewOpError("generate leaf", "", domain.ErrIssuance, err)
	}
	return encodeCertPEM(der), encodeKeyPEM(key), nil
}

// Sign はCSRにCAで署名する。
func (l *LocalIssuer) Sign(ctx context.Context, ca *domain.CertificateAuthority, csrPEM domain.CertificateSigningRequest) (domain.Certificate, error) {
	caCert, caKey, err := parseCA(ca)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, domain.NewOpError("sign", "", domain.ErrIssuance, fmt.Errorf("invalid CSR PEM"))
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, domain.NewOpError("sign", "", domain.ErrIssuance, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, domain.NewOpError("sign", "", domain.ErrIssuance, err)
	}

	hosts := append([]string{}, csr.DNSNames...)
	for _, ip := range csr.IPAddresses {
		hosts = append(hosts, ip.String())
	}
	tmpl, err := l.leafTemplate(csr.Subject, hosts)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, domain.NewOpError("sign", "", domain.ErrIssuance, err)
	}
	return encodeCertPEM(der), nil
}

// GenerateCSR は秘密鍵とCSRを生成する。
func (l *LocalIssuer) GenerateCSR(ctx context.Context, commonName string) (domain.CertificateSigningRequest, domain.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, domain.NewOpError("generate csr", "", domain.ErrIssuance, err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}, key)
	if err != nil {
		return nil, nil, domain.NewOpError("generate csr", "", domain.ErrIssuance, err)
	}
	csr := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return csr, encodeKeyPEM(key), nil
}

func (l *LocalIssuer) leafTemplate(subject pkix.Name, hosts []string) (*x509.Certificate, error) {
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	now := l.now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	return tmpl, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, domain.NewOpError("generate serial", "", domain.ErrIssuance, err)
	}
	return serial, nil
}

func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func parseCA(ca *domain.CertificateAuthority) (*x509.Certificate, crypto.Signer, error) {
	block, _ := pem.Decode(ca.Cert)
	if block == nil {
		return nil, nil, domain.NewOpError("parse ca", "", domain.ErrIssuance, fmt.Errorf("invalid CA certificate PEM"))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, domain.NewOpError("parse ca", "", domain.ErrIssuance, err)
	}
	key, err := parsePrivateKey(ca.Key)
	if err != nil {
		return nil, nil, domain.NewOpError("parse ca", "", domain.ErrIssuance, err)
	}
	return cert, key, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unsupported private key type %T", key)
}
