// Package config loads reset.yaml. Every knob has a compiled default, so
// an empty or absent file yields a fully working configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	World   WorldConfig   `yaml:"world"`
	Reset   ResetConfig   `yaml:"reset"`
	Control ControlConfig `yaml:"control"`
	DataDir string        `yaml:"data_dir"`
}

// ServerConfig describes the supervised game server.
type ServerConfig struct {
	Root            string `yaml:"root"`
	Java            string `yaml:"java"`
	Artifact        string `yaml:"artifact"`
	MemoryMin       string `yaml:"memory_min"`
	MemoryMax       string `yaml:"memory_max"`
	ScreenSession   string `yaml:"screen_session"`
	StopWaitSeconds int    `yaml:"stop_wait_seconds"`
	ConsoleLines    int    `yaml:"console_lines"`
}

type WorldConfig struct {
	Prefix string `yaml:"prefix"`
}

// ResetConfig carries the script timings and messaging. The *_seconds
// values are embedded into the generated script as literals.
type ResetConfig struct {
	ScriptName           string   `yaml:"script_name"`
	OutputLog            string   `yaml:"output_log"`
	CleanupDelaySeconds  int      `yaml:"cleanup_delay_seconds"`
	GracefulWaitSeconds  int      `yaml:"graceful_wait_seconds"`
	ForceKillWaitSeconds int      `yaml:"force_kill_wait_seconds"`
	VerifyWaitSeconds    int      `yaml:"verify_wait_seconds"`
	ShutdownDelaySeconds int      `yaml:"shutdown_delay_seconds"`
	Broadcast            []string `yaml:"broadcast,omitempty"`
}

type ControlConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("reset.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("reset.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Root:            ".",
			Java:            "java",
			MemoryMin:       "16G",
			MemoryMax:       "16G",
			ScreenSession:   "minecraft_minigames",
			StopWaitSeconds: 15,
			ConsoleLines:    500,
		},
		World: WorldConfig{
			Prefix: "world_",
		},
		Reset: ResetConfig{
			ScriptName:           "restart_server.sh",
			OutputLog:            "logs/world_reset_output.log",
			CleanupDelaySeconds:  8,
			GracefulWaitSeconds:  15,
			ForceKillWaitSeconds: 3,
			VerifyWaitSeconds:    3,
			ShutdownDelaySeconds: 3,
			Broadcast: []string{
				"World reset initiated. A fresh world is being prepared.",
				"The server is restarting in a few seconds. See you on the other side!",
			},
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:7313",
		},
		DataDir: "./data",
	}
}

var memFlagRe = regexp.MustCompile(`^[0-9]+[KMGkmg]$`)

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := defaults()

	c.Server.Root = strings.TrimSpace(c.Server.Root)
	if c.Server.Root == "" {
		c.Server.Root = def.Server.Root
	}
	if strings.TrimSpace(c.Server.Java) == "" {
		c.Server.Java = def.Server.Java
	}
	if strings.TrimSpace(c.Server.MemoryMin) == "" {
		c.Server.MemoryMin = def.Server.MemoryMin
	}
	if strings.TrimSpace(c.Server.MemoryMax) == "" {
		c.Server.MemoryMax = def.Server.MemoryMax
	}
	if strings.TrimSpace(c.Server.ScreenSession) == "" {
		c.Server.ScreenSession = def.Server.ScreenSession
	}
	if c.Server.StopWaitSeconds <= 0 {
		c.Server.StopWaitSeconds = def.Server.StopWaitSeconds
	}
	if c.Server.ConsoleLines <= 0 {
		c.Server.ConsoleLines = def.Server.ConsoleLines
	}

	if strings.TrimSpace(c.World.Prefix) == "" {
		c.World.Prefix = def.World.Prefix
	}

	if strings.TrimSpace(c.Reset.ScriptName) == "" {
		c.Reset.ScriptName = def.Reset.ScriptName
	}
	if strings.TrimSpace(c.Reset.OutputLog) == "" {
		c.Reset.OutputLog = def.Reset.OutputLog
	}
	if c.Reset.CleanupDelaySeconds <= 0 {
		c.Reset.CleanupDelaySeconds = def.Reset.CleanupDelaySeconds
	}
	if c.Reset.GracefulWaitSeconds <= 0 {
		c.Reset.GracefulWaitSeconds = def.Reset.GracefulWaitSeconds
	}
	if c.Reset.ForceKillWaitSeconds <= 0 {
		c.Reset.ForceKillWaitSeconds = def.Reset.ForceKillWaitSeconds
	}
	if c.Reset.VerifyWaitSeconds <= 0 {
		c.Reset.VerifyWaitSeconds = def.Reset.VerifyWaitSeconds
	}
	if c.Reset.ShutdownDelaySeconds <= 0 {
		c.Reset.ShutdownDelaySeconds = def.Reset.ShutdownDelaySeconds
	}
	if len(c.Reset.Broadcast) == 0 {
		c.Reset.Broadcast = def.Reset.Broadcast
	}

	if strings.TrimSpace(c.Control.Addr) == "" {
		c.Control.Addr = def.Control.Addr
	}
	// The shared token can live outside the file.
	if v := os.Getenv("RESETD_TOKEN"); v != "" {
		c.Control.Token = v
	}

	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
}

func (c Config) Validate() error {
	if strings.ContainsAny(c.World.Prefix, "/\\ ") {
		return fmt.Errorf("world prefix %q must not contain separators or spaces", c.World.Prefix)
	}
	if !memFlagRe.MatchString(c.Server.MemoryMin) {
		return fmt.Errorf("server memory_min %q must look like 16G", c.Server.MemoryMin)
	}
	if !memFlagRe.MatchString(c.Server.MemoryMax) {
		return fmt.Errorf("server memory_max %q must look like 16G", c.Server.MemoryMax)
	}
	if strings.ContainsAny(c.Server.ScreenSession, " \t\n") {
		return fmt.Errorf("screen_session %q must not contain whitespace", c.Server.ScreenSession)
	}
	if strings.Contains(c.Reset.ScriptName, "/") {
		return fmt.Errorf("script_name %q must be a bare file name", c.Reset.ScriptName)
	}
	if _, _, err := net.SplitHostPort(c.Control.Addr); err != nil {
		return fmt.Errorf("control addr %q: %w", c.Control.Addr, err)
	}
	return nil
}

func (s ServerConfig) StopWait() time.Duration {
	return time.Duration(s.StopWaitSeconds) * time.Second
}

func (r ResetConfig) CleanupDelay() time.Duration {
	return time.Duration(r.CleanupDelaySeconds) * time.Second
}

func (r ResetConfig) GracefulWait() time.Duration {
	return time.Duration(r.GracefulWaitSeconds) * time.Second
}

func (r ResetConfig) ForceKillWait() time.Duration {
	return time.Duration(r.ForceKillWaitSeconds) * time.Second
}

func (r ResetConfig) VerifyWait() time.Duration {
	return time.Duration(r.VerifyWaitSeconds) * time.Second
}

func (r ResetConfig) ShutdownDelay() time.Duration {
	return time.Duration(r.ShutdownDelaySeconds) * time.Second
}
