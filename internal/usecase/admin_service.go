package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"cluster-pki-manager/internal/domain"
)

// AdminStore は管理者の成果物の永続化のインターフェース。
type AdminStore interface {
	SaveAdminRequest(cluster, name string, csr domain.CertificateSigningRequest, key domain.PrivateKey) error
	LoadAdminCSR(cluster, name string) (domain.CertificateSigningRequest, error)
	SaveAdminCertificate(cluster, name string, cert domain.Certificate) error
	LoadAdminCredentials(cluster, name string) (domain.Certificate, domain.PrivateKey, error)
	LoadCA(ctx context.Context, cluster string, d domain.TrustDomain) (*domain.CertificateAuthority, error)
	LoadCACertificate(cluster string, d domain.TrustDomain) (domain.Certificate, error)
	CertPath(cluster, base string) string
	CSRPath(cluster, base string) string
	PlainKeyPath(cluster, base string) string
}

// KubeconfigWriter は外部ツールの設定ファイルへの書き込みのインターフェース。
type KubeconfigWriter interface {
	Install(ctx context.Context, entry *domain.KubeconfigEntry) error
}

// AdminService は管理者証明書の作成・署名・インストールを提供する。
type AdminService struct {
	issuer     Issuer
	store      AdminStore
	kubeconfig KubeconfigWriter
	ledger     Ledger
}

// NewAdminService は新しいAdminServiceを生成する。
func NewAdminService(issuer Issuer, store AdminStore, kubeconfig KubeconfigWriter, ledger Ledger) *AdminService {
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &AdminService{
		issuer:     issuer,
		store:      store,
		kubeconfig: kubeconfig,
		ledger:     ledger,
	}
}

func validateAdmin(cluster, name string) error {
	if err := domain.ValidateName(cluster); err != nil {
		return err
	}
	return domain.ValidateAdminName(name)
}

// Create は管理者のCSRと鍵を生成する。管理者鍵は暗号化せずに保存する。
func (s *AdminService) Create(ctx context.Context, cluster, name string) (err error) {
	ctx, span := tracer.Start(ctx, "AdminService.Create", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.admin", name),
	))
	defer func() { endSpan(span, err) }()

	if err := validateAdmin(cluster, name); err != nil {
		return err
	}

	csr, key, err := s.issuer.GenerateCSR(ctx, name)
	if err != nil {
		return fmt.Errorf("generating admin csr: %w", err)
	}
	defer key.Zero()

	if err := s.store.SaveAdminRequest(cluster, name, csr, key); err != nil {
		return fmt.Errorf("saving admin csr: %w", err)
	}

	recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
		Cluster: cluster,
		Subject: name,
		Kind:    domain.ArtifactKindCSR,
		Path:    s.store.CSRPath(cluster, name),
		Action:  domain.ArtifactActionIssued,
	})
	recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
		Cluster: cluster,
		Subject: name,
		Kind:    domain.ArtifactKindPlainKey,
		Path:    s.store.PlainKeyPath(cluster, name),
		Action:  domain.ArtifactActionIssued,
	})
	slog.InfoContext(ctx, "created admin csr",
		"operation", "admin_create",
		"cluster", cluster,
		"admin", name,
	)
	return nil
}

// Sign は管理者のCSRをKubernetesドメインのCAで署名する。
func (s *AdminService) Sign(ctx context.Context, cluster, name string) (err error) {
	ctx, span := tracer.Start(ctx, "AdminService.Sign", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.admin", name),
	))
	defer func() { endSpan(span, err) }()

	if err := validateAdmin(cluster, name); err != nil {
		return err
	}

	csr, err := s.store.LoadAdminCSR(cluster, name)
	if err != nil {
		return err
	}
	ca, err := s.store.LoadCA(ctx, cluster, domain.TrustDomainKubernetes)
	if err != nil {
		return fmt.Errorf("loading kubernetes ca: %w", err)
	}
	defer ca.Key.Zero()

	cert, err := s.issuer.Sign(ctx, ca, csr)
	if err != nil {
		return fmt.Errorf("signing admin csr: %w", err)
	}
	if err := s.store.SaveAdminCertificate(cluster, name, cert); err != nil {
		return fmt.Errorf("saving admin certificate: %w", err)
	}

	recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
		Cluster: cluster,
		Domain:  string(domain.TrustDomainKubernetes),
		Subject: name,
		Kind:    domain.ArtifactKindCertificate,
		Path:    s.store.CertPath(cluster, name),
		Action:  domain.ArtifactActionSigned,
	})
	slog.InfoContext(ctx, "signed admin certificate",
		"operation", "admin_sign",
		"cluster", cluster,
		"admin", name,
	)
	return nil
}

// Install は管理者の認証情報をkubeconfigに書き込む。
func (s *AdminService) Install(ctx context.Context, cluster, dnsDomain, name string) (err error) {
	ctx, span := tracer.Start(ctx, "AdminService.Install", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.admin", name),
	))
	defer func() { endSpan(span, err) }()

	if err := validateAdmin(cluster, name); err != nil {
		return err
	}
	if dnsDomain == "" {
		return fmt.Errorf("%w: dns domain is required", domain.ErrInvalidName)
	}

	caCert, err := s.store.LoadCACertificate(cluster, domain.TrustDomainKubernetes)
	if err != nil {
		return err
	}
	cert, key, err := s.store.LoadAdminCredentials(cluster, name)
	if err != nil {
		return err
	}

	entry := domain.NewKubeconfigEntry(cluster, dnsDomain, name, caCert, cert, key)
	if err := s.kubeconfig.Install(ctx, entry); err != nil {
		return fmt.Errorf("installing kubeconfig: %w", err)
	}

	slog.InfoContext(ctx, "installed admin credentials",
		"operation", "admin_install",
		"cluster", cluster,
		"admin", name,
		"server", entry.Server,
	)
	return nil
}
