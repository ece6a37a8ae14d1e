package infra

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"cluster-pki-manager/config"
)

func TestInitTracer_Disabled(t *testing.T) {
	tp, err := InitTracer(context.Background(), &config.Config{OtelEnabled: false})
	if err != nil {
		t.Fatalf("InitTracer failed: %v", err)
	}
	if tp != nil {
		t.Error("want nil provider when tracing is disabled")
	}
}

func TestNewResource(t *testing.T) {
	cfg := &config.Config{
		OtelServiceName: "pkictl",
		Issuer:          "local",
		ClustersDir:     "/var/lib/clusters",
	}
	res, err := newResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newResource failed: %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":     "pkictl",
		"pki.issuer":       "local",
		"pki.clusters_dir": "/var/lib/clusters",
	}
	for key, value := range want {
		got, ok := res.Set().Value(key)
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}
		if got.AsString() != value {
			t.Errorf("%s: want %s, got %s", key, value, got.AsString())
		}
	}
}
