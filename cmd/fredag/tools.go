package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gomailzero/fredag/internal/config"
	"github.com/gomailzero/fredag/internal/configio"
	"github.com/gomailzero/fredag/internal/crypto"
)

// runHashKey 生成管理 API 密钥并打印配置用的哈希
func runHashKey() int {
	key, err := crypto.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "生成密钥失败: %v\n", err)
		return exitError
	}
	hash, err := crypto.HashAPIKey(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "计算哈希失败: %v\n", err)
		return exitError
	}
	fmt.Printf("API-nøkkel:   %s\n", key)
	fmt.Printf("api_key_hash: %s\n", hash)
	return exitOK
}

func configPaths(cfg *config.Config) configio.Paths {
	return configio.Paths{
		Rules:    cfg.State.RulesFile,
		Settings: cfg.State.SettingsFile,
	}
}

// runExport 导出规则和设置
func runExport(cfg *config.Config, path string) int {
	m, err := configio.Export(path, configPaths(cfg), time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "导出失败: %v\n", err)
		return exitError
	}
	fmt.Printf("Eksportert %v til %s\n", m.Contains, path)
	return exitOK
}

// runImport 导入规则和设置，覆盖前备份现有文件
func runImport(cfg *config.Config, path string) int {
	written, err := configio.Import(path, configPaths(cfg), true, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "导入失败: %v\n", err)
		return exitError
	}
	for _, p := range written {
		fmt.Printf("Importert: %s\n", p)
	}
	return exitOK
}
