// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"attested-worker/pkg/secrets"
)

var (
	// ErrNotFound 持久化位置中没有任何凭据
	ErrNotFound = errors.New("credentials not found")
	// ErrPartialCredentials 只有密钥或只有证书；属于配置错误，不自动修复
	ErrPartialCredentials = errors.New("partial credentials: key and certificate must both exist or both be absent")
)

const (
	// CertFile 证书文件名
	CertFile = "cert.pem"
	// KeyFile 私钥文件名
	KeyFile = "key.pem"
)

// Store 凭据持久化后端
type Store interface {
	// Load 返回证书与私钥 PEM；都不存在时返回 ErrNotFound，只存在其一时返回 ErrPartialCredentials
	Load(ctx context.Context) (certPEM, keyPEM []byte, err error)
	// Save 持久化证书与私钥
	Save(ctx context.Context, certPEM, keyPEM []byte) error
}

// FileStore 以目录保存凭据（cert.pem / key.pem）
type FileStore struct {
	Root string
}

// NewFileStore 创建目录后端
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) Load(ctx context.Context) ([]byte, []byte, error) {
	certPEM, certErr := os.ReadFile(filepath.Join(s.Root, CertFile))
	keyPEM, keyErr := os.ReadFile(filepath.Join(s.Root, KeyFile))
	certMissing := errors.Is(certErr, fs.ErrNotExist)
	keyMissing := errors.Is(keyErr, fs.ErrNotExist)
	switch {
	case certMissing && keyMissing:
		return nil, nil, ErrNotFound
	case certMissing || keyMissing:
		return nil, nil, fmt.Errorf("%w (root %s)", ErrPartialCredentials, s.Root)
	case certErr != nil:
		return nil, nil, fmt.Errorf("read certificate: %w", certErr)
	case keyErr != nil:
		return nil, nil, fmt.Errorf("read private key: %w", keyErr)
	}
	return certPEM, keyPEM, nil
}

func (s *FileStore) Save(ctx context.Context, certPEM, keyPEM []byte) error {
	if err := os.MkdirAll(s.Root, 0o700); err != nil {
		return fmt.Errorf("create credentials root: %w", err)
	}
	keyPath := filepath.Join(s.Root, KeyFile)
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Root, CertFile), certPEM, 0o644); err != nil {
		// 不留下只有密钥的半套凭据
		_ = os.Remove(keyPath)
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// SecretStore 以 secrets.Store（如 Vault KV）保存凭据，键为 <name>/certificate 与 <name>/private_key
type SecretStore struct {
	Secrets secrets.Store
	Name    string
}

// NewSecretStore 创建 secret 后端；name 通常为 Worker ID
func NewSecretStore(s secrets.Store, name string) *SecretStore {
	return &SecretStore{Secrets: s, Name: name}
}

func (s *SecretStore) Load(ctx context.Context) ([]byte, []byte, error) {
	cert, certErr := s.Secrets.Get(ctx, s.Name+"/certificate")
	key, keyErr := s.Secrets.Get(ctx, s.Name+"/private_key")
	certMissing := errors.Is(certErr, secrets.ErrNotFound)
	keyMissing := errors.Is(keyErr, secrets.ErrNotFound)
	switch {
	case certMissing && keyMissing:
		return nil, nil, ErrNotFound
	case certMissing || keyMissing:
		return nil, nil, fmt.Errorf("%w (secret %s)", ErrPartialCredentials, s.Name)
	case certErr != nil:
		return nil, nil, certErr
	case keyErr != nil:
		return nil, nil, keyErr
	}
	return []byte(cert), []byte(key), nil
}

func (s *SecretStore) Save(ctx context.Context, certPEM, keyPEM []byte) error {
	keyName := s.Name + "/private_key"
	if err := s.Secrets.Set(ctx, keyName, string(keyPEM)); err != nil {
		return err
	}
	if err := s.Secrets.Set(ctx, s.Name+"/certificate", string(certPEM)); err != nil {
		if delErr := s.Secrets.Delete(ctx, keyName); delErr != nil {
			return errors.Join(err, fmt.Errorf("remove private key: %w", delErr))
		}
		return err
	}
	return nil
}
