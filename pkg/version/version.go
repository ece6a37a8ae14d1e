// Package version はビルド時に埋め込むバージョン情報を提供する。
package version

// Version は -ldflags "-X cluster-pki-manager/pkg/version.Version=..." で上書きする。
var Version = "dev"
