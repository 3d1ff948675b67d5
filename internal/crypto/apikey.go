// Package crypto 提供管理 API 密钥的生成与 Argon2id 哈希校验。
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id 参数（根据 OWASP 推荐）
	argon2Time    = 3
	argon2Memory  = 32 * 1024 // 32 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltSize      = 16
	apiKeySize    = 32

	hashPrefix = "argon2id:"
)

// ErrInvalidHash 哈希字符串格式无效
var ErrInvalidHash = errors.New("哈希格式无效")

// GenerateAPIKey 生成随机 API 密钥（URL 安全的 base64）
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成密钥失败: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey 使用 Argon2id 哈希密钥，结果为 argon2id:<base64(salt+hash)>
func HashAPIKey(key string) (string, error) {
	// 生成随机 salt
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("生成 salt 失败: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	encoded := base64.StdEncoding.EncodeToString(append(salt, hash...))
	return hashPrefix + encoded, nil
}

// VerifyAPIKey 验证密钥与哈希是否匹配
func VerifyAPIKey(key, encodedHash string) (bool, error) {
	if !strings.HasPrefix(encodedHash, hashPrefix) {
		return false, ErrInvalidHash
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encodedHash, hashPrefix))
	if err != nil {
		return false, fmt.Errorf("解码哈希失败: %w", err)
	}

	if len(decoded) != saltSize+argon2KeyLen {
		return false, ErrInvalidHash
	}

	// 提取 salt 和 hash
	salt := decoded[:saltSize]
	expectedHash := decoded[saltSize:]

	hash := argon2.IDKey([]byte(key), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// 使用 constant-time 比较
	return subtle.ConstantTimeCompare(hash, expectedHash) == 1, nil
}
