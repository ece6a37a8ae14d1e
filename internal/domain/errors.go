package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteKeyService はKMSが鍵の利用を拒否した、または到達できない場合のエラー。
	ErrRemoteKeyService = errors.New("remote key service error")

	// ErrMalformedBlob は暗号化ブロブの構造が壊れている場合のエラー。
	ErrMalformedBlob = errors.New("malformed encrypted blob")

	// ErrDecryption は完全性検証に失敗した場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrEncoding はエンコードに失敗した場合のエラー。
	ErrEncoding = errors.New("encoding error")

	// ErrIssuance は証明書発行エンジンが失敗を返した場合のエラー。
	ErrIssuance = errors.New("issuance failed")

	// ErrResponseParse は発行エンジンの応答が不正な場合のエラー。
	ErrResponseParse = errors.New("malformed issuance response")

	// ErrFilesystem はファイル操作のエラー。
	ErrFilesystem = errors.New("filesystem error")

	// ErrProcessSpawn は発行エンジンを起動できない場合のエラー。
	ErrProcessSpawn = errors.New("failed to start issuance engine")

	// ErrCAAlreadyExists はCAが既に存在する場合のエラー。
	ErrCAAlreadyExists = errors.New("certificate authority already exists")

	// ErrCANotFound はCAが存在しない場合のエラー。
	ErrCANotFound = errors.New("certificate authority not found")

	// ErrArtifactExists は上書きできない成果物が既に存在する場合のエラー。
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrArtifactNotFound は成果物が存在しない場合のエラー。
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrUnknownTrustDomain は未知のトラストドメインのエラー。
	ErrUnknownTrustDomain = errors.New("unknown trust domain")

	// ErrUnknownSubject は未知のサブジェクトのエラー。
	ErrUnknownSubject = errors.New("unknown subject")

	// ErrMasterKeyMismatch はブロブがどちらのマスター鍵でも暗号化されていない場合のエラー。
	ErrMasterKeyMismatch = errors.New("blob is not wrapped by the expected master key")

	// ErrInvalidMasterKey はマスター鍵参照が不正な場合のエラー。
	ErrInvalidMasterKey = errors.New("invalid master key reference")

	// ErrInvalidName はクラスタ名・管理者名の形式が不正な場合のエラー。
	ErrInvalidName = errors.New("invalid name")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// OpError は操作名と対象成果物を付与したエラー。
// Kind と Err の両方に対して errors.Is が成立する。
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

// NewOpError は新しいOpErrorを生成する。
func NewOpError(op, path string, kind, err error) *OpError {
	return &OpError{Op: op, Path: path, Kind: kind, Err: err}
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s", msg, e.Path)
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", msg, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %v", msg, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
