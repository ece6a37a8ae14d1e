package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cluster-pki-manager/internal/domain"
)

var tracer = otel.Tracer("cluster-pki-manager/usecase")

// Issuer は証明書発行エンジンのインターフェース。
type Issuer interface {
	GenerateCA(ctx context.Context, commonName string) (*domain.CertificateAuthority, error)
	GenerateLeaf(ctx context.Context, ca *domain.CertificateAuthority, commonName string, hosts []string) (domain.Certificate, domain.PrivateKey, error)
	Sign(ctx context.Context, ca *domain.CertificateAuthority, csr domain.CertificateSigningRequest) (domain.Certificate, error)
	GenerateCSR(ctx context.Context, commonName string) (domain.CertificateSigningRequest, domain.PrivateKey, error)
}

// TrustStore は成果物の永続化のインターフェース。
type TrustStore interface {
	HasCA(cluster string, d domain.TrustDomain) (bool, error)
	HasSubject(cluster string, subject domain.Subject) (bool, error)
	SaveCA(ctx context.Context, cluster string, d domain.TrustDomain, ca *domain.CertificateAuthority, ref domain.MasterKeyRef) error
	SaveSubject(ctx context.Context, cluster string, subject domain.Subject, cert domain.Certificate, key domain.PrivateKey, ref domain.MasterKeyRef) error
	LoadCA(ctx context.Context, cluster string, d domain.TrustDomain) (*domain.CertificateAuthority, error)
	CertPath(cluster, base string) string
	EncryptedKeyPath(cluster, base string) string
}

// Ledger は成果物台帳のインターフェース。
type Ledger interface {
	Record(ctx context.Context, record *domain.ArtifactRecord) error
	FindByCluster(ctx context.Context, cluster string) ([]*domain.ArtifactRecord, error)
}

// NopLedger は何も記録しない台帳。DATABASE_URL未設定時に使う。
type NopLedger struct{}

// Record は何もしない。
func (NopLedger) Record(ctx context.Context, record *domain.ArtifactRecord) error { return nil }

// FindByCluster は常に空を返す。
func (NopLedger) FindByCluster(ctx context.Context, cluster string) ([]*domain.ArtifactRecord, error) {
	return nil, nil
}

// recordArtifact は台帳に記録する。失敗してもトラスト操作は失敗させない。
func recordArtifact(ctx context.Context, ledger Ledger, record *domain.ArtifactRecord) {
	if err := ledger.Record(ctx, record); err != nil {
		slog.WarnContext(ctx, "failed to record artifact",
			"operation", "record_artifact",
			"cluster", record.Cluster,
			"path", record.Path,
			"error", err,
		)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// PKIService はトラストドメインごとのCA・リーフ証明書の生成を提供する。
type PKIService struct {
	issuer Issuer
	store  TrustStore
	ledger Ledger
}

// NewPKIService は新しいPKIServiceを生成する。
func NewPKIService(issuer Issuer, store TrustStore, ledger Ledger) *PKIService {
	if ledger == nil {
		ledger = NopLedger{}
	}
	return &PKIService{
		issuer: issuer,
		store:  store,
		ledger: ledger,
	}
}

// DefaultHosts はサーバ向けサブジェクトのSANを返す。
func DefaultHosts(subject domain.Subject, dnsDomain string) []string {
	if !subject.ServerFacing || dnsDomain == "" {
		return nil
	}
	return []string{"kubernetes." + dnsDomain}
}

// GenerateCA はトラストドメインのCAを生成して保存する。既存のCAは上書きしない。
func (s *PKIService) GenerateCA(ctx context.Context, cluster string, d domain.TrustDomain, ref domain.MasterKeyRef) (err error) {
	ctx, span := tracer.Start(ctx, "PKIService.GenerateCA", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.domain", string(d)),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateName(cluster); err != nil {
		return err
	}
	exists, err := s.store.HasCA(cluster, d)
	if err != nil {
		return fmt.Errorf("checking existing ca: %w", err)
	}
	if exists {
		return domain.NewOpError("generate ca", s.store.CertPath(cluster, d.CAFileBase()), domain.ErrCAAlreadyExists, nil)
	}
	return s.generateCA(ctx, cluster, d, ref)
}

func (s *PKIService) generateCA(ctx context.Context, cluster string, d domain.TrustDomain, ref domain.MasterKeyRef) error {
	ca, err := s.issuer.GenerateCA(ctx, d.CACommonName(cluster))
	if err != nil {
		return fmt.Errorf("generating %s ca: %w", d, err)
	}
	defer ca.Key.Zero()

	if err := s.store.SaveCA(ctx, cluster, d, ca, ref); err != nil {
		return fmt.Errorf("saving %s ca: %w", d, err)
	}

	base := d.CAFileBase()
	s.recordPair(ctx, cluster, d, base, base, ref)
	slog.InfoContext(ctx, "generated certificate authority",
		"operation", "generate_ca",
		"cluster", cluster,
		"domain", d,
	)
	return nil
}

// GenerateSubject はドメインCAで署名したリーフ証明書を生成して保存する。
// 既存の成果物があれば再発行する。
func (s *PKIService) GenerateSubject(ctx context.Context, cluster string, d domain.TrustDomain, subjectName string, hosts []string, ref domain.MasterKeyRef) (err error) {
	ctx, span := tracer.Start(ctx, "PKIService.GenerateSubject", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.domain", string(d)),
		attribute.String("pki.subject", subjectName),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateName(cluster); err != nil {
		return err
	}
	subject, err := d.Subject(subjectName)
	if err != nil {
		return err
	}
	return s.generateSubject(ctx, cluster, d, subject, hosts, ref)
}

func (s *PKIService) generateSubject(ctx context.Context, cluster string, d domain.TrustDomain, subject domain.Subject, hosts []string, ref domain.MasterKeyRef) error {
	ca, err := s.store.LoadCA(ctx, cluster, d)
	if err != nil {
		return fmt.Errorf("loading %s ca: %w", d, err)
	}
	defer ca.Key.Zero()

	cert, key, err := s.issuer.GenerateLeaf(ctx, ca, subject.CommonName, hosts)
	if err != nil {
		return fmt.Errorf("generating %s certificate: %w", subject.Name, err)
	}
	defer key.Zero()

	if err := s.store.SaveSubject(ctx, cluster, subject, cert, key, ref); err != nil {
		return fmt.Errorf("saving %s certificate: %w", subject.Name, err)
	}

	s.recordPair(ctx, cluster, d, subject.Name, subject.FileBase, ref)
	slog.InfoContext(ctx, "generated certificate",
		"operation", "generate_subject",
		"cluster", cluster,
		"domain", d,
		"subject", subject.Name,
		"hosts", hosts,
	)
	return nil
}

// GenerateDomain はドメインのCAと全サブジェクトを生成する。
// 既存のCA・サブジェクトは再利用し、先頭の失敗で中断する。
func (s *PKIService) GenerateDomain(ctx context.Context, cluster string, d domain.TrustDomain, dnsDomain string, ref domain.MasterKeyRef) (err error) {
	ctx, span := tracer.Start(ctx, "PKIService.GenerateDomain", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
		attribute.String("pki.domain", string(d)),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateName(cluster); err != nil {
		return err
	}
	return s.generateDomain(ctx, cluster, d, dnsDomain, ref)
}

func (s *PKIService) generateDomain(ctx context.Context, cluster string, d domain.TrustDomain, dnsDomain string, ref domain.MasterKeyRef) error {
	hasCA, err := s.store.HasCA(cluster, d)
	if err != nil {
		return fmt.Errorf("checking existing ca: %w", err)
	}
	if hasCA {
		slog.InfoContext(ctx, "reusing existing certificate authority",
			"operation", "generate_domain",
			"cluster", cluster,
			"domain", d,
		)
	} else if err := s.generateCA(ctx, cluster, d, ref); err != nil {
		return err
	}

	for _, subject := range d.Subjects() {
		ok, err := s.store.HasSubject(cluster, subject)
		if err != nil {
			return fmt.Errorf("checking existing %s certificate: %w", subject.Name, err)
		}
		if ok {
			slog.InfoContext(ctx, "reusing existing certificate",
				"operation", "generate_domain",
				"cluster", cluster,
				"domain", d,
				"subject", subject.Name,
			)
			continue
		}
		if err := s.generateSubject(ctx, cluster, d, subject, DefaultHosts(subject, dnsDomain), ref); err != nil {
			return err
		}
	}
	return nil
}

// GenerateAll は全トラストドメインを固定順に生成する。
// 途中で失敗した場合も生成済みの成果物は残り、再実行で続きから生成する。
func (s *PKIService) GenerateAll(ctx context.Context, cluster, dnsDomain string, ref domain.MasterKeyRef) (err error) {
	ctx, span := tracer.Start(ctx, "PKIService.GenerateAll", trace.WithAttributes(
		attribute.String("pki.cluster", cluster),
	))
	defer func() { endSpan(span, err) }()

	if err := domain.ValidateName(cluster); err != nil {
		return err
	}
	for _, d := range domain.TrustDomains {
		if err := s.generateDomain(ctx, cluster, d, dnsDomain, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *PKIService) recordPair(ctx context.Context, cluster string, d domain.TrustDomain, subject, base string, ref domain.MasterKeyRef) {
	recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
		Cluster: cluster,
		Domain:  string(d),
		Subject: subject,
		Kind:    domain.ArtifactKindCertificate,
		Path:    s.store.CertPath(cluster, base),
		Action:  domain.ArtifactActionIssued,
	})
	recordArtifact(ctx, s.ledger, &domain.ArtifactRecord{
		Cluster:   cluster,
		Domain:    string(d),
		Subject:   subject,
		Kind:      domain.ArtifactKindEncryptedKey,
		Path:      s.store.EncryptedKeyPath(cluster, base),
		MasterKey: ref.KeyID,
		Action:    domain.ArtifactActionIssued,
	})
}
