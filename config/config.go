package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultPrivateKeyEnv = "HUBCLIENT_PRIVATE_KEY"
	defaultHTTPTimeout   = 15 * time.Second
	defaultHTTPRetries   = 3
	defaultDataRoot      = "wal"
)

// Config settings of one wallet connected to a hub.
type Config struct {
	Name      string
	HubURL    string
	EthRPCURL string
	// ChainID expected chain id, 0 accepts whatever the RPC endpoint reports.
	ChainID         uint64
	MediatorAddress common.Address
	OperatorAddress common.Address
	PrivateKeyEnv   string
	PrivateKey      string
	DataDir         string
	HTTPTimeout     time.Duration
	HTTPRetries     int
	MonitorAddr     string
	AutoTLSDomains  []string
	AutoTLSCacheDir string
}

type ConfigTmp struct {
	Name            string        `yaml:"name"`
	HubURL          string        `yaml:"hub_url"`
	EthRPCURL       string        `yaml:"eth_rpc_url"`
	ChainID         uint64        `yaml:"chain_id,omitempty"`
	MediatorAddress string        `yaml:"mediator_address"`
	OperatorAddress string        `yaml:"operator_address"`
	PrivateKeyEnv   string        `yaml:"private_key_env,omitempty"`
	DataDir         string        `yaml:"data_dir,omitempty"`
	HTTPTimeout     time.Duration `yaml:"http_timeout,omitempty"`
	HTTPRetries     *int          `yaml:"http_retries,omitempty"`
	MonitorAddr     string        `yaml:"monitor_addr,omitempty"`
	AutoTLSDomains  []string      `yaml:"autotls_domains,omitempty"`
	AutoTLSCacheDir string        `yaml:"autotls_cache_dir,omitempty"`
}

// Get loads the wallet configs from --config or, without it, a single config from CLI flags.
func Get() ([]Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) ([]Config, error) {
	configPath := fs.String("config", "", "path to yaml config")
	name := fs.String("name", "default", "wallet name, used for the data dir and logs")
	hubURL := fs.String("hub", "", "hub operator base URL, example: https://hub.example.com")
	rpcURL := fs.String("rpc", "", "Ethereum JSON-RPC endpoint (ws:// for chain subscriptions)")
	chainID := fs.Uint64("chainid", 0, "expected chain id, 0 to accept the endpoint's")
	mediator := fs.String("mediator", "", "mediator contract address")
	operator := fs.String("operator", "", "operator signing address")
	keyEnv := fs.String("keyenv", defaultPrivateKeyEnv, "environment variable holding the wallet private key")
	dataDir := fs.String("datadir", "", "directory of the wallet's WAL stores, default ./wal/<name>")
	timeout := fs.Duration("httptimeout", defaultHTTPTimeout, "hub request timeout")
	retries := fs.Int("httpretries", defaultHTTPRetries, "hub request retries on transient failures")
	monitor := fs.String("monitor", "", "monitor listen address, example: :8080, empty disables it")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		return getYaml(*configPath)
	}

	c := ConfigTmp{
		Name:            *name,
		HubURL:          *hubURL,
		EthRPCURL:       *rpcURL,
		ChainID:         *chainID,
		MediatorAddress: *mediator,
		OperatorAddress: *operator,
		PrivateKeyEnv:   *keyEnv,
		DataDir:         *dataDir,
		HTTPTimeout:     *timeout,
		HTTPRetries:     retries,
		MonitorAddr:     *monitor,
	}
	conf, err := c.toConfig()
	if err != nil {
		return nil, err
	}
	return []Config{conf}, nil
}

func getYaml(path string) ([]Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var configsTmp []ConfigTmp
	if err := yaml.Unmarshal(f, &configsTmp); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(configsTmp) == 0 {
		return nil, fmt.Errorf("no wallets configured in %s", path)
	}

	configs := make([]Config, 0, len(configsTmp))
	names := make(map[string]struct{}, len(configsTmp))
	for i, c := range configsTmp {
		conf, err := c.toConfig()
		if err != nil {
			return nil, fmt.Errorf("wallet #%d: %w", i, err)
		}
		if _, dup := names[conf.Name]; dup {
			return nil, fmt.Errorf("wallet name %q is used twice", conf.Name)
		}
		names[conf.Name] = struct{}{}
		configs = append(configs, conf)
	}
	return configs, nil
}

func (c ConfigTmp) toConfig() (Config, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Config{}, fmt.Errorf("'name' is required")
	}

	if err := validateURL("hub_url", c.HubURL, "http", "https"); err != nil {
		return Config{}, err
	}
	if err := validateURL("eth_rpc_url", c.EthRPCURL, "http", "https", "ws", "wss"); err != nil {
		return Config{}, err
	}

	if !common.IsHexAddress(c.MediatorAddress) {
		return Config{}, fmt.Errorf("incorrect 'mediator_address' param: %q is not a hex address", c.MediatorAddress)
	}
	if !common.IsHexAddress(c.OperatorAddress) {
		return Config{}, fmt.Errorf("incorrect 'operator_address' param: %q is not a hex address", c.OperatorAddress)
	}

	keyEnv := c.PrivateKeyEnv
	if keyEnv == "" {
		keyEnv = defaultPrivateKeyEnv
	}
	key := strings.TrimSpace(os.Getenv(keyEnv))
	if key == "" {
		return Config{}, fmt.Errorf("environment variable %s with the wallet private key must be set", keyEnv)
	}

	conf := Config{
		Name:            name,
		HubURL:          strings.TrimRight(c.HubURL, "/"),
		EthRPCURL:       c.EthRPCURL,
		ChainID:         c.ChainID,
		MediatorAddress: common.HexToAddress(c.MediatorAddress),
		OperatorAddress: common.HexToAddress(c.OperatorAddress),
		PrivateKeyEnv:   keyEnv,
		PrivateKey:      key,
		DataDir:         c.DataDir,
		HTTPTimeout:     c.HTTPTimeout,
		HTTPRetries:     defaultHTTPRetries,
		MonitorAddr:     c.MonitorAddr,
		AutoTLSDomains:  c.AutoTLSDomains,
		AutoTLSCacheDir: c.AutoTLSCacheDir,
	}
	if conf.DataDir == "" {
		conf.DataDir = filepath.Join(defaultDataRoot, name)
	}
	if conf.HTTPTimeout <= 0 {
		conf.HTTPTimeout = defaultHTTPTimeout
	}
	if c.HTTPRetries != nil {
		if *c.HTTPRetries < 0 {
			return Config{}, fmt.Errorf("incorrect 'http_retries' param: %d", *c.HTTPRetries)
		}
		conf.HTTPRetries = *c.HTTPRetries
	}
	if len(conf.AutoTLSDomains) > 0 && conf.MonitorAddr == "" {
		conf.MonitorAddr = ":443"
	}

	return conf, nil
}

func validateURL(param, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("'%s' is required", param)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("incorrect '%s' param: %w", param, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("incorrect '%s' param: %q, expected one of schemes %v", param, raw, schemes)
}
