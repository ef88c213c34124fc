// Package config resolves server configuration in layered order: built-in
// defaults -> optional config file -> environment variables -> command-
// line flags (spec C9). Grounded on ehrlich-b-wingthing's use of a layered
// config resolver and the teacher's own main.go flag set, generalized from
// flag-only to flag+env+file via spf13/viper, the only pack-wide example
// of that idiom.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	BindHost       string
	TCPPort        int
	UDPVoicePort   int
	UDPVideoPort   int
	GatewayPort    int
	CredsFile      string
	AuditDB        string

	AutoRegister    bool
	IdleTimeout     time.Duration
	UDPLiveness     time.Duration
	UDPRateLimitPPS int

	MaxFileSize  int64
	MaxChunkSize int64

	CertValidity time.Duration
}

// Defaults returns the built-in configuration baseline (spec §9 open
// questions 1-3 resolved here).
func Defaults() Config {
	return Config{
		BindHost:        "0.0.0.0",
		TCPPort:         7000,
		UDPVoicePort:    7001,
		UDPVideoPort:    7002,
		GatewayPort:     8443,
		CredsFile:       "meetrelay-users.json",
		AuditDB:         "meetrelay-audit.db",
		AutoRegister:    true,
		IdleTimeout:     5 * time.Minute,
		UDPLiveness:     20 * time.Second,
		UDPRateLimitPPS: 100,
		MaxFileSize:     20 << 20,
		MaxChunkSize:    int64(1.5 * 1024 * 1024),
		CertValidity:    24 * time.Hour,
	}
}

// Load resolves configuration from defaults, an optional config file,
// environment variables prefixed MEETRELAY_, and flags, in that priority
// order (flags win). flags may be nil to skip flag binding (e.g. CLI
// subcommands that don't take server flags).
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	def := Defaults()

	v := viper.New()
	v.SetEnvPrefix("meetrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	return Config{
		BindHost:        v.GetString("bind-host"),
		TCPPort:         v.GetInt("tcp-port"),
		UDPVoicePort:    v.GetInt("udp-voice-port"),
		UDPVideoPort:    v.GetInt("udp-video-port"),
		GatewayPort:     v.GetInt("gateway-port"),
		CredsFile:       v.GetString("creds-file"),
		AuditDB:         v.GetString("audit-db"),
		AutoRegister:    v.GetBool("auto-register"),
		IdleTimeout:     v.GetDuration("idle-timeout"),
		UDPLiveness:     v.GetDuration("udp-liveness"),
		UDPRateLimitPPS: v.GetInt("udp-rate-limit-pps"),
		MaxFileSize:     v.GetInt64("max-file-size"),
		MaxChunkSize:    v.GetInt64("max-chunk-size"),
		CertValidity:    v.GetDuration("cert-validity"),
	}, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("bind-host", d.BindHost)
	v.SetDefault("tcp-port", d.TCPPort)
	v.SetDefault("udp-voice-port", d.UDPVoicePort)
	v.SetDefault("udp-video-port", d.UDPVideoPort)
	v.SetDefault("gateway-port", d.GatewayPort)
	v.SetDefault("creds-file", d.CredsFile)
	v.SetDefault("audit-db", d.AuditDB)
	v.SetDefault("auto-register", d.AutoRegister)
	v.SetDefault("idle-timeout", d.IdleTimeout)
	v.SetDefault("udp-liveness", d.UDPLiveness)
	v.SetDefault("udp-rate-limit-pps", d.UDPRateLimitPPS)
	v.SetDefault("max-file-size", d.MaxFileSize)
	v.SetDefault("max-chunk-size", d.MaxChunkSize)
	v.SetDefault("cert-validity", d.CertValidity)
}

// Flags registers the server's command-line flags onto fs, returning it
// for chaining. Call config.Load with the same fs afterward, once
// fs.Parse has run.
func Flags(fs *pflag.FlagSet) *pflag.FlagSet {
	d := Defaults()
	fs.String("bind-host", d.BindHost, "address to bind all listeners on")
	fs.Int("tcp-port", d.TCPPort, "control-plane TCP port")
	fs.Int("udp-voice-port", d.UDPVoicePort, "UDP voice relay port")
	fs.Int("udp-video-port", d.UDPVideoPort, "UDP video relay port")
	fs.Int("gateway-port", d.GatewayPort, "WebSocket gateway HTTP(S) port")
	fs.String("creds-file", d.CredsFile, "path to the credential JSON file")
	fs.String("audit-db", d.AuditDB, "path to the moderation audit/ban SQLite file")
	fs.Bool("auto-register", d.AutoRegister, "auto-register unknown usernames on first login")
	fs.Duration("idle-timeout", d.IdleTimeout, "authenticated TCP idle timeout (0 disables)")
	fs.Duration("udp-liveness", d.UDPLiveness, "UDP endpoint liveness window before eviction")
	fs.Int("udp-rate-limit-pps", d.UDPRateLimitPPS, "per-user UDP control-plane rate limit, packets/sec")
	fs.Int64("max-file-size", d.MaxFileSize, "maximum file transfer size in bytes")
	fs.Int64("max-chunk-size", d.MaxChunkSize, "maximum file_chunk size in bytes (after decode)")
	fs.Duration("cert-validity", d.CertValidity, "self-signed gateway TLS certificate validity")
	return fs
}
