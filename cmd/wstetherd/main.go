// Command wstetherd runs a wstether host agent: it serves enrollment,
// the signed API surface, and duplex channels, persisting its identity
// and enrolled client keys across restarts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstduplex"
	"github.com/sammck-go/wstether/pkg/wsthost"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// daemonConfig is the wstetherd.yml shape. Zero values fall back to the
// defaults in defaultDaemonConfig.
type daemonConfig struct {
	// Listen is the host:port the agent binds.
	Listen string `yaml:"listen"`

	// DataDir holds the agent state file.
	DataDir string `yaml:"data_dir"`

	// PassphraseEnv names an environment variable whose value encrypts
	// the state file. Empty keeps the state plaintext.
	PassphraseEnv string `yaml:"passphrase_env"`

	// Debug enables debug logging and per-request logs.
	Debug bool `yaml:"debug"`

	// EnrollRatePerMin caps enrollment attempts per client IP.
	EnrollRatePerMin float64 `yaml:"enroll_rate_per_min"`

	// KeySeed pins the host identity to a deterministic keypair. For dev
	// and test rigs only.
	KeySeed string `yaml:"key_seed"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		Listen:  "127.0.0.1:8750",
		DataDir: ".",
	}
}

func loadConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var parsed daemonConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if parsed.Listen != "" {
		cfg.Listen = parsed.Listen
	}
	if parsed.DataDir != "" {
		cfg.DataDir = parsed.DataDir
	}
	cfg.PassphraseEnv = parsed.PassphraseEnv
	cfg.Debug = parsed.Debug
	cfg.EnrollRatePerMin = parsed.EnrollRatePerMin
	cfg.KeySeed = parsed.KeySeed
	return cfg, nil
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "wstetherd",
		Short:         "Run a wstether host agent",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to wstetherd.yml")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wstetherd: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level := logger.LogLevelInfo
	if cfg.Debug {
		level = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("wstetherd"),
	)
	if err != nil {
		return err
	}

	passphrase := ""
	if cfg.PassphraseEnv != "" {
		passphrase = os.Getenv(cfg.PassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("passphrase env %s is not set", cfg.PassphraseEnv)
		}
	}

	api := http.NewServeMux()
	agent, err := wsthost.NewAgent(lg, &wsthost.AgentConfig{
		StatePath:        filepath.Join(cfg.DataDir, "agent-state.json"),
		Passphrase:       passphrase,
		KeySeed:          cfg.KeySeed,
		Debug:            cfg.Debug,
		EnrollRatePerMin: cfg.EnrollRatePerMin,
		API:              api,
		Channel:          echoHandler(),
	})
	if err != nil {
		return err
	}
	registerStatusAPI(api, agent)

	// Each daemon start arms one fresh single-use pairing code. Operators
	// read it from the log; anyone holding it can enroll a client key.
	code, err := agent.NewEnrollCode()
	if err != nil {
		return err
	}
	lg.ILogf("Pairing code: %s (single use)", code)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		lg.ILogf("Received %s, shutting down...", s)
		agent.StartShutdown(nil)
	}()

	return agent.Run(context.Background(), cfg.Listen)
}

// echoHandler answers inbound text frames so a freshly paired client can
// verify the stream path end to end.
func echoHandler() wstduplex.Handler {
	return &wstduplex.HandlerFuncs{
		Text: func(c *wstduplex.Channel, text string) {
			_ = c.Send(text)
		},
	}
}

// registerStatusAPI adds the signed introspection endpoint to the agent's
// API mux. Routes added here see only signature-verified requests.
func registerStatusAPI(mux *http.ServeMux, agent *wsthost.Agent) {
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		type status struct {
			HostID          string `json:"host_id"`
			EnrolledClients int    `json:"enrolled_clients"`
			OpenChannels    int    `json:"open_channels"`
			CallerKeyID     string `json:"caller_key_id,omitempty"`
		}
		st := status{
			HostID:          agent.HostID(),
			EnrolledClients: len(agent.EnrolledClients()),
			OpenChannels:    agent.OpenChannels(),
		}
		if info, ok := wsthost.ClientFromContext(r.Context()); ok {
			st.CallerKeyID = info.Client.KeyID
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&st)
	})
}
