package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-wallet/model"
)

var (
	// EntryPoint v0.6, same address on every chain
	DefaultEntrypointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	// SimpleAccountFactory for the v0.6 entrypoint
	DefaultFactoryAddress = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")

	DefaultPollInterval = 3 * time.Second
)

// Config is the resolved wallet configuration
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	DbPath          string
	HttpBindAddress string
	PollInterval    time.Duration

	// periodic database backups are off unless both are set
	BackupDir      string
	BackupInterval time.Duration

	// dapp origins allowed to submit without prompting, empty allows any
	ApprovedOrigins []string

	Networks      []Network
	EOAKeys       []string
	SmartAccounts []SmartAccount
}

type Network struct {
	ChainID    uint64
	RpcUrl     string
	BundlerUrl string
	Entrypoint common.Address
}

// SmartAccount is owned by the EOA derived from one of the EOAKeys
type SmartAccount struct {
	Address common.Address
	Owner   common.Address
	Factory common.Address
	Salt    *big.Int
}

// These are read from configPath
type ConfigRaw struct {
	Environment     sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=production development"`
	DbPath          string              `yaml:"db_path" validate:"required"`
	HttpBindAddress string              `yaml:"http_bind_address" validate:"required,hostname_port"`
	PollInterval    string              `yaml:"poll_interval"`
	BackupDir       string              `yaml:"backup_dir"`
	BackupInterval  string              `yaml:"backup_interval" validate:"required_with=BackupDir"`
	ApprovedOrigins []string            `yaml:"approved_origins"`

	Networks []NetworkRaw `yaml:"networks" validate:"required,min=1,dive"`
	Accounts []AccountRaw `yaml:"accounts" validate:"dive"`
}

type NetworkRaw struct {
	ChainID    uint64 `yaml:"chain_id" validate:"required"`
	RpcUrl     string `yaml:"rpc_url" validate:"required,url"`
	BundlerUrl string `yaml:"bundler_url" validate:"omitempty,url"`
	Entrypoint string `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
}

type AccountRaw struct {
	Type       model.AccountType `yaml:"type" validate:"required,oneof=eip155:eoa eip155:erc4337"`
	PrivateKey string            `yaml:"private_key" validate:"required_if=Type eip155:eoa"`
	Address    string            `yaml:"address" validate:"required_if=Type eip155:erc4337,omitempty,eth_addr"`
	Owner      string            `yaml:"owner" validate:"required_if=Type eip155:erc4337,omitempty,eth_addr"`
	Factory    string            `yaml:"factory_address" validate:"omitempty,eth_addr"`
	Salt       string            `yaml:"salt" validate:"omitempty,number"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewConfig reads and validates the yaml file at configFilePath
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if raw.Environment == "" {
		raw.Environment = sdklogging.Development
	}
	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	pollInterval := DefaultPollInterval
	if raw.PollInterval != "" {
		pollInterval, err = time.ParseDuration(raw.PollInterval)
		if err != nil || pollInterval <= 0 {
			return nil, fmt.Errorf("invalid poll_interval %q", raw.PollInterval)
		}
	}

	var backupInterval time.Duration
	if raw.BackupInterval != "" {
		backupInterval, err = time.ParseDuration(raw.BackupInterval)
		if err != nil || backupInterval <= 0 {
			return nil, fmt.Errorf("invalid backup_interval %q", raw.BackupInterval)
		}
	}

	c := &Config{
		Logger:          logger,
		Environment:     raw.Environment,
		DbPath:          raw.DbPath,
		HttpBindAddress: raw.HttpBindAddress,
		PollInterval:    pollInterval,
		BackupDir:       raw.BackupDir,
		BackupInterval:  backupInterval,
		ApprovedOrigins: raw.ApprovedOrigins,
	}

	seen := map[uint64]bool{}
	for _, n := range raw.Networks {
		if seen[n.ChainID] {
			return nil, fmt.Errorf("invalid config: network %d is listed twice", n.ChainID)
		}
		seen[n.ChainID] = true

		entrypoint := DefaultEntrypointAddress
		if n.Entrypoint != "" {
			entrypoint = common.HexToAddress(n.Entrypoint)
		}
		c.Networks = append(c.Networks, Network{
			ChainID:    n.ChainID,
			RpcUrl:     n.RpcUrl,
			BundlerUrl: n.BundlerUrl,
			Entrypoint: entrypoint,
		})
	}

	for _, a := range raw.Accounts {
		switch a.Type {
		case model.EOAAccountType:
			c.EOAKeys = append(c.EOAKeys, strings.TrimPrefix(a.PrivateKey, "0x"))
		case model.ERC4337AccountType:
			factory := DefaultFactoryAddress
			if a.Factory != "" {
				factory = common.HexToAddress(a.Factory)
			}
			salt := big.NewInt(0)
			if a.Salt != "" {
				salt.SetString(a.Salt, 10)
			}
			c.SmartAccounts = append(c.SmartAccounts, SmartAccount{
				Address: common.HexToAddress(a.Address),
				Owner:   common.HexToAddress(a.Owner),
				Factory: factory,
				Salt:    salt,
			})
		}
	}

	return c, nil
}

// Network returns the network configured for chainID
func (c *Config) Network(chainID uint64) (Network, bool) {
	for _, n := range c.Networks {
		if n.ChainID == chainID {
			return n, true
		}
	}
	return Network{}, false
}
