package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cluster-pki-manager/config"
	"cluster-pki-manager/internal/domain"
)

// runCLI はコマンドを実行して標準出力とエラーを返す。
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("DATABASE_URL", "")

	a := &app{}
	t.Cleanup(a.close)
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "pkictl version dev") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestClusterIsRequired(t *testing.T) {
	_, err := runCLI(t, "pki", "ca", "--trust-domain", "kubernetes")
	if err == nil || !strings.Contains(err.Error(), "--cluster is required") {
		t.Errorf("want --cluster is required, got %v", err)
	}
}

func TestInvalidClusterName(t *testing.T) {
	_, err := runCLI(t, "--cluster", "../etc", "admin", "create", "--name", "alice")
	if !errors.Is(err, domain.ErrInvalidName) {
		t.Errorf("want ErrInvalidName, got %v", err)
	}
}

func TestReencryptRequiresBothKeys(t *testing.T) {
	_, err := runCLI(t, "--cluster", "demo", "reencrypt", "--current-key", "pki/k1")
	if err == nil || !strings.Contains(err.Error(), "new-key") {
		t.Errorf("want missing --new-key error, got %v", err)
	}
}

func TestAdminCreate_LocalIssuer(t *testing.T) {
	root := t.TempDir()
	out, err := runCLI(t, "--cluster", "demo", "--clusters-dir", root, "--issuer", "local",
		"admin", "create", "--name", "alice")
	if err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
	if !strings.Contains(out, "alice") {
		t.Errorf("unexpected output: %q", out)
	}

	for _, name := range []string{"alice.csr", "alice-key.pem"} {
		info, err := os.Stat(filepath.Join(root, "demo", name))
		if err != nil {
			t.Fatalf("%s not created: %v", name, err)
		}
		if name == "alice-key.pem" && info.Mode().Perm() != 0600 {
			t.Errorf("want key mode 0600, got %o", info.Mode().Perm())
		}
	}

	if _, err := runCLI(t, "--cluster", "demo", "--clusters-dir", root, "--issuer", "local",
		"admin", "create", "--name", "alice"); !errors.Is(err, domain.ErrArtifactExists) {
		t.Errorf("want ErrArtifactExists on second create, got %v", err)
	}
}

func TestUnknownIssuer(t *testing.T) {
	_, err := runCLI(t, "--cluster", "demo", "--clusters-dir", t.TempDir(), "--issuer", "openssl",
		"admin", "create", "--name", "alice")
	if err == nil || !strings.Contains(err.Error(), "unknown issuer") {
		t.Errorf("want unknown issuer error, got %v", err)
	}
}

func TestParseMasterKey(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.Config
		keyID   string
		wantErr string
	}{
		{
			name:  "short form with project",
			cfg:   config.Config{KMSRegion: "asia-northeast1", GoogleCloudProject: "p"},
			keyID: "pki/k1",
		},
		{
			name:  "full resource name without project",
			cfg:   config.Config{},
			keyID: "projects/p/locations/global/keyRings/pki/cryptoKeys/k1",
		},
		{
			name:    "empty",
			cfg:     config.Config{KMSRegion: "asia-northeast1", GoogleCloudProject: "p"},
			wantErr: "--kms-key is required",
		},
		{
			name:    "short form without project",
			cfg:     config.Config{KMSRegion: "asia-northeast1"},
			keyID:   "pki/k1",
			wantErr: "GOOGLE_CLOUD_PROJECT",
		},
		{
			name:    "short form without region",
			cfg:     config.Config{GoogleCloudProject: "p"},
			keyID:   "pki/k1",
			wantErr: "region is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{cfg: &tt.cfg}
			ref, err := a.parseMasterKey(tt.keyID, "--kms-key")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("want error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ref.KeyID != tt.keyID {
				t.Errorf("want key id %s, got %s", tt.keyID, ref.KeyID)
			}
		})
	}
}
