package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"proxyscraper/internal/shared/types"
)

// Load 从默认值开始，叠加 ini 文件与环境变量。
// 文件不存在时直接使用默认值。
func Load(fileName string) (*types.Config, error) {
	cfg := types.DefaultConfig()
	if fileName != "" {
		if _, err := os.Stat(fileName); err == nil {
			if err := LoadIni(cfg, fileName); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadIni maps an ini file onto cfg. Keys missing from the file keep their current value.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file %s: %w", fileName, err)
	}
	return nil
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvInt(&cfg.FetchConf.MaxRetries, "PROXYSCRAPER_MAX_RETRIES")
	overrideFromEnvInt(&cfg.FetchConf.Concurrency, "PROXYSCRAPER_CONCURRENCY")
	overrideFromEnvString(&cfg.PoolConf.ProbeURL, "PROXYSCRAPER_PROBE_URL")
	overrideFromEnvString(&cfg.ChallengeConf.APIKey, "PROXYSCRAPER_CHALLENGE_API_KEY")
	overrideFromEnvString(&cfg.LogConf.Level, "PROXYSCRAPER_LOG_LEVEL")
}

// LoadLines 读取一个按行分隔的列表文件（URL 或代理地址），忽略空行和 # 注释。
func LoadLines(fileName string) ([]string, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to open list file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list file: %w", err)
	}
	return lines, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
