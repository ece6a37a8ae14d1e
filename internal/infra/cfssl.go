package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"cluster-pki-manager/internal/domain"
)

const (
	keyAlgo = "rsa"
	keyBits = 2048
)

// CfsslIssuer はcfsslサブプロセスを使って証明書を発行する。
type CfsslIssuer struct {
	binary      string
	stagingRoot string
}

// NewCfsslIssuer は新しいCfsslIssuerを生成する。
// stagingRoot が空の場合はOSの一時ディレクトリを使う。
func NewCfsslIssuer(binary, stagingRoot string) *CfsslIssuer {
	if binary == "" {
		binary = "cfssl"
	}
	return &CfsslIssuer{binary: binary, stagingRoot: stagingRoot}
}

type keyRequest struct {
	Algo string `json:"algo"`
	Size int    `json:"size"`
}

type certificateRequest struct {
	CN  string     `json:"CN"`
	Key keyRequest `json:"key"`
}

// pemField はcfsslの応答フィールド。文字列とバイト配列のどちらも受け付ける。
type pemField []byte

func (f *pemField) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = []byte(s)
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("expected string or byte array")
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value out of range: %d", v)
		}
		out[i] = byte(v)
	}
	*f = out
	return nil
}

type cfsslResponse struct {
	Cert pemField `json:"cert"`
	Key  pemField `json:"key"`
	CSR  pemField `json:"csr"`
}

func newRequest(commonName string) ([]byte, error) {
	body, err := json.Marshal(certificateRequest{
		CN:  commonName,
		Key: keyRequest{Algo: keyAlgo, Size: keyBits},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", domain.ErrEncoding, err)
	}
	return body, nil
}

// GenerateCA は自己署名のCAを生成する。
func (c *CfsslIssuer) GenerateCA(ctx context.Context, commonName string) (*domain.CertificateAuthority, error) {
	req, err := newRequest(commonName)
	if err != nil {
		return nil, err
	}
	resp, err := c.run(ctx, req, "gencert", "-initca", "-")
	if err != nil {
		return nil, err
	}
	if err := resp.require("gencert", "cert", "key"); err != nil {
		return nil, err
	}
	return &domain.CertificateAuthority{Cert: domain.Certificate(resp.Cert), Key: domain.PrivateKey(resp.Key)}, nil
}

// GenerateLeaf はCAで署名されたリーフ証明書と鍵を生成する。
func (c *CfsslIssuer) GenerateLeaf(ctx context.Context, ca *domain.CertificateAuthority, commonName string, hosts []string) (domain.Certificate, domain.PrivateKey, error) {
	req, err := newRequest(commonName)
	if err != nil {
		return nil, nil, err
	}

	var resp *cfsslResponse
	err = WithStagingDir(c.stagingRoot, func(dir *StagingDir) error {
		certPath, keyPath, err := dir.StageCA(ca)
		if err != nil {
			return err
		}
		args := []string{"gencert", "-ca", certPath, "-ca-key", keyPath}
		if len(hosts) > 0 {
			args = append(args, "-hostname", strings.Join(hosts, ","))
		}
		args = append(args, "-")
		resp, err = c.run(ctx, req, args...)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	if err := resp.require("gencert", "cert", "key"); err != nil {
		return nil, nil, err
	}
	return domain.Certificate(resp.Cert), domain.PrivateKey(resp.Key), nil
}

// Sign はCSRにCAで署名する。
func (c *CfsslIssuer) Sign(ctx context.Context, ca *domain.CertificateAuthority, csr domain.CertificateSigningRequest) (domain.Certificate, error) {
	var resp *cfsslResponse
	err := WithStagingDir(c.stagingRoot, func(dir *StagingDir) error {
		certPath, keyPath, err := dir.StageCA(ca)
		if err != nil {
			return err
		}
		resp, err = c.run(ctx, csr, "sign", "-ca", certPath, "-ca-key", keyPath, "-")
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := resp.require("sign", "cert"); err != nil {
		return nil, err
	}
	return domain.Certificate(resp.Cert), nil
}

// GenerateCSR は秘密鍵とCSRを生成する。
func (c *CfsslIssuer) GenerateCSR(ctx context.Context, commonName string) (domain.CertificateSigningRequest, domain.PrivateKey, error) {
	req, err := newRequest(commonName)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.run(ctx, req, "genkey", "-")
	if err != nil {
		return nil, nil, err
	}
	if err := resp.require("genkey", "csr", "key"); err != nil {
		return nil, nil, err
	}
	return domain.CertificateSigningRequest(resp.CSR), domain.PrivateKey(resp.Key), nil
}

// run はcfsslを起動し、stdinにpayloadを渡して応答を解析する。
func (c *CfsslIssuer) run(ctx context.Context, payload []byte, args ...string) (*cfsslResponse, error) {
	op := "cfssl " + args[0]

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			slog.ErrorContext(ctx, "issuance engine failed",
				"operation", op,
				"exit_code", exitErr.ExitCode(),
				"stderr", strings.TrimSpace(stderr.String()),
			)
			return nil, domain.NewOpError(op, "", domain.ErrIssuance,
				fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())))
		}
		slog.ErrorContext(ctx, "failed to start issuance engine",
			"operation", op,
			"binary", c.binary,
			"error", err,
		)
		return nil, domain.NewOpError(op, c.binary, domain.ErrProcessSpawn, err)
	}

	var resp cfsslResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, domain.NewOpError(op, "", domain.ErrResponseParse, err)
	}
	return &resp, nil
}

func (r *cfsslResponse) require(op string, fields ...string) error {
	for _, f := range fields {
		var v []byte
		switch f {
		case "cert":
			v = r.Cert
		case "key":
			v = r.Key
		case "csr":
			v = r.CSR
		}
		if len(v) == 0 {
			return domain.NewOpError("cfssl "+op, "", domain.ErrResponseParse, fmt.Errorf("missing %q in response", f))
		}
	}
	return nil
}
