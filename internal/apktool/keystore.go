package apktool

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

var (
	jksMagic   = []byte{0xFE, 0xED, 0xFE, 0xED}
	jceksMagic = []byte{0xCE, 0xCE, 0xCE, 0xCE}
)

// CheckKeystore 签名前检查 keystore
// PKCS12 会用密码解出证书；JKS/JCEKS 无法在此解析，返回 nil 证书交给签名工具处理
func CheckKeystore(path, password string) (*x509.Certificate, error) {
	if path == "" {
		return nil, fmt.Errorf("keystore path not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	if bytes.HasPrefix(data, jksMagic) || bytes.HasPrefix(data, jceksMagic) {
		return nil, nil
	}

	_, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to open PKCS12 keystore %s: %w", path, err)
	}
	return cert, nil
}
