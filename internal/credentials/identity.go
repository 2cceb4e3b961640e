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

// Package credentials 管理 Worker 的 mTLS 客户端身份：密钥对、自签名证书与指纹
package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// MinKeyBits RSA 密钥最小位数
	MinKeyBits = 2048
	// DefaultValidity 自签名证书默认有效期
	DefaultValidity = 10 * 24 * time.Hour
	// DefaultCommonName 证书默认 CN
	DefaultCommonName = "attested-worker"

	rsaPublicExponent = 65537
)

// Identity Worker 身份；创建后只读
type Identity struct {
	PrivateKey  crypto.Signer
	Certificate *x509.Certificate
	CertPEM     []byte
	KeyPEM      []byte
	// Fingerprint 本地计算的证书指纹，格式与账本一致（SHA-256，大写十六进制冒号分隔）
	Fingerprint string
}

// TLSCertificate 返回用于 mTLS 的客户端证书
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// Expired 证书在 now 时是否已过期
func (id *Identity) Expired(now time.Time) bool {
	return now.After(id.Certificate.NotAfter)
}

// Options 生成新身份的参数
type Options struct {
	CommonName string
	KeyBits    int
	Validity   time.Duration
}

func (o Options) withDefaults() Options {
	if o.CommonName == "" {
		o.CommonName = DefaultCommonName
	}
	if o.KeyBits == 0 {
		o.KeyBits = MinKeyBits
	}
	if o.Validity <= 0 {
		o.Validity = DefaultValidity
	}
	return o
}

// Generate 生成 RSA 密钥对与自签名客户端证书
func Generate(opts Options) (*Identity, error) {
	opts = opts.withDefaults()
	if opts.KeyBits < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", opts.KeyBits, MinKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	if key.PublicKey.E != rsaPublicExponent {
		return nil, fmt.Errorf("unexpected rsa public exponent %d", key.PublicKey.E)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return Parse(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	)
}

// Parse 从 PEM 解析身份；私钥需与证书公钥匹配
func Parse(certPEM, keyPEM []byte) (*Identity, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key is not a signer")
	}
	if rsaKey, ok := signer.(*rsa.PrivateKey); ok && rsaKey.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("rsa key size %d below minimum %d", rsaKey.N.BitLen(), MinKeyBits)
	}
	return &Identity{
		PrivateKey:  signer,
		Certificate: cert,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		Fingerprint: Fingerprint(cert),
	}, nil
}

// Fingerprint 证书 DER 的 SHA-256，大写十六进制、冒号分隔
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return FormatFingerprint(sum[:])
}

// FormatFingerprint 将摘要格式化为 "AB:CD:..." 形式
func FormatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// NormalizeFingerprint 去掉分隔符并转大写，用于比较不同格式的指纹
func NormalizeFingerprint(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	return strings.ToUpper(s)
}
