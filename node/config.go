package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the node's merged configuration: SPEC_FULL.md's ambient config
// stack layers a YAML file and .env overrides under the CLI flags named in
// spec.md §6, in that precedence (flags > env > yaml > defaults), the same
// override order the teacher's DefaultConfig/ValidateConfig pair implied for
// its narrower flag set.
type Config struct {
	Network  string   `yaml:"network"`
	DataDir  string   `yaml:"data_dir"`
	BindAddr string   `yaml:"bind_addr"`
	LogLevel string   `yaml:"log_level"`
	Peers    []string `yaml:"peers"`
	MaxPeers int      `yaml:"max_peers"`

	// Listen is one or more dial descriptions to bind, spec.md §6's
	// repeatable --listen flag (e.g. "tcp:0.0.0.0:8080").
	Listen []string `yaml:"listen"`
	// Bootstrap is one or more peer dial descriptions to seed the
	// reconnection loop with, spec.md §6's repeatable --bootstrap flag.
	Bootstrap []string `yaml:"bootstrap"`
	// PeerIDFile, if set, persists the node's long-lived identity keypair
	// across restarts (spec.md §6's --peer-id FILE).
	PeerIDFile string `yaml:"peer_id_file"`
	// SSL enables TLS-wrapped listeners (spec.md §6's --ssl).
	SSL bool `yaml:"ssl"`

	// SeedDomains are DNS names queried for TXT/A peer records (spec.md
	// §4.8). The teacher's devnet config had no equivalent; SPEC_FULL.md's
	// ambient config stack adds it since C8 needs somewhere to read seeds
	// from.
	SeedDomains []string `yaml:"seed_domains"`
	// PingTimeoutSeconds disconnects an unresponsive peer (spec.md
	// §4.6's "disconnect after ping_timeout with no PONG").
	PingTimeoutSeconds int `yaml:"ping_timeout_seconds"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dagnode"
	}
	return filepath.Join(home, ".dagnode")
}

func DefaultConfig() Config {
	return Config{
		Network:            "devnet",
		DataDir:            DefaultDataDir(),
		BindAddr:           "0.0.0.0:8080",
		Peers:              nil,
		LogLevel:           "info",
		MaxPeers:           64,
		Listen:             []string{"tcp:0.0.0.0:8080"},
		PingTimeoutSeconds: 90,
	}
}

// LoadYAML reads and unmarshals a YAML config file, returning a zero-value
// Config if path is empty (caller merges onto DefaultConfig() first).
func LoadYAML(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("node: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("node: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment (no-op, not an
// error, if path does not exist), for ApplyEnvOverrides to read from.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnvOverrides overlays DAGNODE_*-prefixed environment variables onto
// cfg, the middle precedence tier between the YAML file and CLI flags.
func ApplyEnvOverrides(cfg Config) Config {
	if v, ok := os.LookupEnv("DAGNODE_NETWORK"); ok {
		cfg.Network = v
	}
	if v, ok := os.LookupEnv("DAGNODE_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("DAGNODE_BIND_ADDR"); ok {
		cfg.BindAddr = v
	}
	if v, ok := os.LookupEnv("DAGNODE_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("DAGNODE_PEERS"); ok {
		cfg.Peers = NormalizePeers(v)
	}
	if v, ok := os.LookupEnv("DAGNODE_SEED_DOMAINS"); ok {
		cfg.SeedDomains = NormalizePeers(v)
	}
	return cfg
}

// Merge layers override onto base: any non-zero field in override wins.
// Used to fold YAML config, then env overrides, then CLI flags onto
// DefaultConfig() in that order.
func Merge(base, override Config) Config {
	out := base
	if override.Network != "" {
		out.Network = override.Network
	}
	if override.DataDir != "" {
		out.DataDir = override.DataDir
	}
	if override.BindAddr != "" {
		out.BindAddr = override.BindAddr
	}
	if override.LogLevel != "" {
		out.LogLevel = override.LogLevel
	}
	if len(override.Peers) > 0 {
		out.Peers = override.Peers
	}
	if override.MaxPeers != 0 {
		out.MaxPeers = override.MaxPeers
	}
	if len(override.Listen) > 0 {
		out.Listen = override.Listen
	}
	if len(override.Bootstrap) > 0 {
		out.Bootstrap = override.Bootstrap
	}
	if override.PeerIDFile != "" {
		out.PeerIDFile = override.PeerIDFile
	}
	if override.SSL {
		out.SSL = override.SSL
	}
	if len(override.SeedDomains) > 0 {
		out.SeedDomains = override.SeedDomains
	}
	if override.PingTimeoutSeconds != 0 {
		out.PingTimeoutSeconds = override.PingTimeoutSeconds
	}
	return out
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 {
		return errors.New("max_peers must be > 0")
	}
	if cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be <= 4096")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
