package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	tomlrepo "github.com/bnema/walletd/internal/adapters/repo/toml"
)

const (
	envPrefix      = "WALLETD"
	configName     = "walletd"
	configType     = "toml"
	dataDirName    = ".walletd"
	walletsDirName = "wallets"
	secretsDirName = "secrets"
	recordsFile    = "walletserver.toml"
)

type serverConfig struct {
	DataDir   string          `mapstructure:"data_dir"`
	Wallets   walletsConfig   `mapstructure:"wallets"`
	Secrets   secretsConfig   `mapstructure:"secrets"`
	Transport transportConfig `mapstructure:"transport"`
	Stomp     stompConfig     `mapstructure:"stomp"`
	Queues    queuesConfig    `mapstructure:"queues"`
	Topics    topicsConfig    `mapstructure:"topics"`
	Router    routerConfig    `mapstructure:"router"`
	Metrics   metricsConfig   `mapstructure:"metrics"`
	Log       logConfig       `mapstructure:"log"`
	Shutdown  shutdownConfig  `mapstructure:"shutdown"`
	Ledger    ledgerConfig    `mapstructure:"ledger"`
	Dev       devConfig       `mapstructure:"dev"`
}

type walletsConfig struct {
	Path string `mapstructure:"path"`
	Dir  string `mapstructure:"dir"`
}

type secretsConfig struct {
	Dir       string `mapstructure:"dir"`
	MasterKey string `mapstructure:"master_key"`
}

type transportConfig struct {
	Kind string `mapstructure:"kind"`
}

type stompConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Login     string        `mapstructure:"login"`
	Passcode  string        `mapstructure:"passcode"`
	HeartBeat time.Duration `mapstructure:"heartbeat"`
}

type queuesConfig struct {
	Commands  string `mapstructure:"commands"`
	Responses string `mapstructure:"responses"`
	Sessions  string `mapstructure:"sessions"`
}

type topicsConfig struct {
	Blocks string `mapstructure:"blocks"`
}

type routerConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type metricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type logConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type shutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ledgerConfig struct {
	AddressVersion int `mapstructure:"address_version"`
	KeyPoolSize    int `mapstructure:"keypool_size"`
}

type devConfig struct {
	BlockInterval     time.Duration `mapstructure:"block_interval"`
	CoinbaseAddresses []string      `mapstructure:"coinbase_addresses"`
}

const (
	transportStomp  = "stomp"
	transportMemory = "memory"
)

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("transport.kind", transportStomp)
	v.SetDefault("stomp.host", "localhost")
	v.SetDefault("stomp.port", 61613)
	v.SetDefault("stomp.login", "")
	v.SetDefault("stomp.passcode", "")
	v.SetDefault("stomp.heartbeat", "10s")
	v.SetDefault("queues.commands", "/queue/WalletCmdIn")
	v.SetDefault("queues.responses", "/queue/WalletCmdOut")
	v.SetDefault("queues.sessions", "/queue/WalletSessionIn")
	v.SetDefault("topics.blocks", "/topic/Blocks")
	v.SetDefault("router.rate_limit_rps", 20)
	v.SetDefault("router.rate_limit_burst", 40)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("shutdown.timeout", "30s")
	v.SetDefault("ledger.address_version", 28)
	v.SetDefault("ledger.keypool_size", 20)
	v.SetDefault("dev.block_interval", "30s")
	v.SetDefault("dev.coinbase_addresses", []string{})
	v.SetDefault("secrets.master_key", "")
	v.SetDefault("wallets.path", "")
	v.SetDefault("wallets.dir", "")
	v.SetDefault("secrets.dir", "")
}

// loadConfig reads walletd.toml from configPath, or from $HOME/.walletd when
// configPath is empty, and applies WALLETD_* environment overrides.
func loadConfig(configPath string) (*viper.Viper, serverConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, serverConfig{}, fmt.Errorf("resolve home directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, filepath.Join(homeDir, dataDirName))
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath(filepath.Join(homeDir, dataDirName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, serverConfig{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, serverConfig{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.DataDir == "" {
		return nil, serverConfig{}, errors.New("data_dir is empty")
	}
	if cfg.Wallets.Path == "" {
		cfg.Wallets.Path = filepath.Join(cfg.DataDir, recordsFile)
	}
	if cfg.Wallets.Dir == "" {
		cfg.Wallets.Dir = filepath.Join(cfg.DataDir, walletsDirName)
	}
	if cfg.Secrets.Dir == "" {
		cfg.Secrets.Dir = filepath.Join(cfg.DataDir, secretsDirName)
	}
	v.Set(tomlrepo.WalletsPathKey, cfg.Wallets.Path)

	if err := cfg.validate(); err != nil {
		return nil, serverConfig{}, err
	}

	return v, cfg, nil
}

func (c serverConfig) validate() error {
	switch c.Transport.Kind {
	case transportStomp, transportMemory:
	default:
		return fmt.Errorf("unsupported transport.kind %q", c.Transport.Kind)
	}
	if c.Queues.Commands == "" || c.Queues.Responses == "" {
		return errors.New("queues.commands and queues.responses are required")
	}
	if c.Ledger.AddressVersion < 0 || c.Ledger.AddressVersion > 255 {
		return fmt.Errorf("ledger.address_version %d out of range", c.Ledger.AddressVersion)
	}
	if c.Shutdown.Timeout <= 0 {
		return errors.New("shutdown.timeout must be positive")
	}
	return nil
}
