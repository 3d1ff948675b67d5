package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	key := "test-key-123"

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("哈希密钥失败: %v", err)
	}

	if !strings.HasPrefix(hash, hashPrefix) {
		t.Errorf("哈希缺少前缀: %q", hash)
	}

	// 相同密钥应该生成不同的哈希（因为 salt 不同）
	hash2, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("哈希密钥失败: %v", err)
	}

	if hash == hash2 {
		t.Error("相同密钥应该生成不同的哈希（由于随机 salt）")
	}
}

func TestVerifyAPIKey(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("生成密钥失败: %v", err)
	}

	hash, err := HashAPIKey(key)
	if err != nil {
		t.Fatalf("哈希密钥失败: %v", err)
	}

	// 验证正确密钥
	valid, err := VerifyAPIKey(key, hash)
	if err != nil {
		t.Fatalf("验证密钥失败: %v", err)
	}
	if !valid {
		t.Error("正确密钥应该验证通过")
	}

	// 验证错误密钥
	valid, err = VerifyAPIKey("wrong-key", hash)
	if err != nil {
		t.Fatalf("验证密钥失败: %v", err)
	}
	if valid {
		t.Error("错误密钥应该验证失败")
	}
}

func TestVerifyAPIKey_InvalidHash(t *testing.T) {
	for _, h := range []string{"", "plain", hashPrefix + "aGVp"} {
		if _, err := VerifyAPIKey("x", h); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("VerifyAPIKey(%q) error = %v, want ErrInvalidHash", h, err)
		}
	}
	if _, err := VerifyAPIKey("x", hashPrefix+"!!!"); err == nil {
		t.Error("无效 base64 应该返回错误")
	}
}

func TestGenerateAPIKey(t *testing.T) {
	k1, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := GenerateAPIKey()
	if k1 == k2 || len(k1) < 40 {
		t.Errorf("密钥 = %q, %q", k1, k2)
	}
}
