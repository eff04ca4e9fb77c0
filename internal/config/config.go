// Package config loads and validates voicebridge's runtime configuration.
// Flags and environment variables are layered over a YAML file, following
// the teacher's signaling config's flag+env precedence extended with
// envconfig struct-tag binding and an optional .env file for local dev.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the voicebridge server.
type Config struct {
	Port        int    `yaml:"port" envconfig:"PORT" default:"3333"`
	ControlPort int    `yaml:"controlPort" envconfig:"CONTROL_PORT" default:"3334"`
	LogLevel    string `yaml:"logLevel" envconfig:"LOG_LEVEL" default:"info"`

	Provider                  string `yaml:"provider" envconfig:"PROVIDER"`
	SkipSignatureVerification bool   `yaml:"skipSignatureVerification" envconfig:"SKIP_SIGNATURE_VERIFICATION"`

	PublicURL    string `yaml:"publicUrl" envconfig:"PUBLIC_URL"`
	TunnelEnable bool   `yaml:"tunnelEnable" envconfig:"TUNNEL_ENABLE"`
	TunnelDomain string `yaml:"tunnelDomain" envconfig:"TUNNEL_DOMAIN"`
	LANExpose    bool   `yaml:"lanExpose" envconfig:"LAN_EXPOSE"`

	WebhookPath string `yaml:"webhookPath" envconfig:"WEBHOOK_PATH" default:"/voice/webhook"`
	StreamPath  string `yaml:"streamPath" envconfig:"STREAM_PATH" default:"/voice/stream"`

	Proxy ProxyConfig `yaml:"proxy"`

	Twilio     TwilioConfig     `yaml:"twilio"`
	Telnyx     TelnyxConfig     `yaml:"telnyx"`
	Plivo      PlivoConfig      `yaml:"plivo"`
	Voximplant VoximplantConfig `yaml:"voximplant"`

	TTS       TTSConfig       `yaml:"tts"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Streaming StreamingConfig `yaml:"streaming"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`

	MaxConcurrentCalls int           `yaml:"maxConcurrentCalls" envconfig:"MAX_CONCURRENT_CALLS" default:"16"`
	RingTimeout        time.Duration `yaml:"ringTimeout" envconfig:"RING_TIMEOUT" default:"30s"`
	SilenceTimeout     time.Duration `yaml:"silenceTimeout" envconfig:"SILENCE_TIMEOUT" default:"20s"`
	MaxDuration        time.Duration `yaml:"maxDuration" envconfig:"MAX_DURATION" default:"600s"`
	TranscriptTimeout  time.Duration `yaml:"transcriptTimeout" envconfig:"TRANSCRIPT_TIMEOUT" default:"180s"`
	ControlTimeout     time.Duration `yaml:"controlTimeout" envconfig:"CONTROL_TIMEOUT" default:"15s"`

	HistoryPath string `yaml:"historyPath" envconfig:"HISTORY_PATH" default:"data/voicebridge-history.jsonl"`
}

// ProxyConfig configures the optional gateway-side HTTP/WS proxy surface
// (§4.7 "Additional surface"). Empty BasePath/WSBasePath disables the
// respective route; both may be enabled independently.
type ProxyConfig struct {
	BasePath   string `yaml:"basePath" envconfig:"PROXY_BASE_PATH"`
	Upstream   string `yaml:"upstream" envconfig:"PROXY_UPSTREAM"`
	WSBasePath string `yaml:"wsBasePath" envconfig:"PROXY_WS_BASE_PATH"`
	WSUpstream string `yaml:"wsUpstream" envconfig:"PROXY_WS_UPSTREAM"`
}

type TwilioConfig struct {
	AccountSID string `yaml:"accountSid" envconfig:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `yaml:"authToken" envconfig:"TWILIO_AUTH_TOKEN"`
	FromNumber string `yaml:"fromNumber" envconfig:"TWILIO_FROM_NUMBER"`
}

type TelnyxConfig struct {
	APIKey       string `yaml:"apiKey" envconfig:"TELNYX_API_KEY"`
	PublicKeyB64 string `yaml:"publicKey" envconfig:"TELNYX_PUBLIC_KEY"`
	ConnectionID string `yaml:"connectionId" envconfig:"TELNYX_CONNECTION_ID"`
	FromNumber   string `yaml:"fromNumber" envconfig:"TELNYX_FROM_NUMBER"`
}

type PlivoConfig struct {
	AuthID     string `yaml:"authId" envconfig:"PLIVO_AUTH_ID"`
	AuthToken  string `yaml:"authToken" envconfig:"PLIVO_AUTH_TOKEN"`
	FromNumber string `yaml:"fromNumber" envconfig:"PLIVO_FROM_NUMBER"`
}

type VoximplantConfig struct {
	SharedSecret    string `yaml:"sharedSecret" envconfig:"VOXIMPLANT_SHARED_SECRET"`
	StaticJWT       string `yaml:"managementJwt" envconfig:"VOXIMPLANT_MANAGEMENT_JWT"`
	AccountID       string `yaml:"accountId" envconfig:"VOXIMPLANT_ACCOUNT_ID"`
	KeyID           string `yaml:"keyId" envconfig:"VOXIMPLANT_KEY_ID"`
	PrivateKeyPath string `yaml:"privateKeyPath" envconfig:"VOXIMPLANT_PRIVATE_KEY_PATH"`
	RefreshSkewSec int    `yaml:"refreshSkewSec" envconfig:"VOXIMPLANT_REFRESH_SKEW_SEC" default:"60"`
	RuleID         string `yaml:"ruleId" envconfig:"VOXIMPLANT_RULE_ID"`
}

type TTSConfig struct {
	Provider string `yaml:"provider" envconfig:"TTS_PROVIDER" default:"mock"`
	APIKey   string `yaml:"apiKey" envconfig:"TTS_API_KEY"`
	Voice    string `yaml:"voice" envconfig:"TTS_VOICE"`
}

type RealtimeConfig struct {
	DeepgramAPIKey string `yaml:"deepgramApiKey" envconfig:"DEEPGRAM_API_KEY"`
	ConversationURL string `yaml:"conversationUrl" envconfig:"REALTIME_CONVERSATION_URL"`
	ConversationKey string `yaml:"conversationApiKey" envconfig:"REALTIME_CONVERSATION_API_KEY"`
}

// StreamingConfig's Mode selects between per-utterance transcription and a
// realtime-conversation backend that owns assistant audio directly (§4.9 step 4).
type StreamingConfig struct {
	Mode string `yaml:"mode" envconfig:"STREAMING_MODE" default:"transcription"`
}

type BedrockConfig struct {
	Region  string `yaml:"region" envconfig:"BEDROCK_REGION" default:"us-east-1"`
	ModelID string `yaml:"modelId" envconfig:"BEDROCK_MODEL_ID" default:"anthropic.claude-3-5-sonnet-20241022-v2:0"`
}

// Load parses flags, layers a YAML file (if present) under environment
// variables (via envconfig), and validates the result. Precedence, highest
// first: explicit flags > environment variables > YAML file > defaults.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	yamlPath := fs.String("config", "", "path to a YAML config file")
	port := fs.Int("port", 0, "HTTP listen port")
	provider := fs.String("provider", "", "provider adapter: twilio|telnyx|plivo|voximplant|mock")
	publicURL := fs.String("public-url", "", "explicit public URL for webhooks/media streams")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg := &Config{}
	if *yamlPath != "" {
		if err := loadYAML(*yamlPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process("VOICEBRIDGE", cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}

	if *port != 0 {
		cfg.Port = *port
	}
	if *provider != "" {
		cfg.Provider = *provider
	}
	if *publicURL != "" {
		cfg.PublicURL = *publicURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read yaml %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse yaml %s: %w", path, err)
	}
	return nil
}

// ConfigError carries one of the §7 fatal-at-startup tags (e.g.
// "ConfigInvalid") in Tag.
type ConfigError struct {
	Tag     string
	Message string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: [%s] %s", e.Tag, e.Message) }

// Validate refuses to start on a missing or unrecognized provider, or
// missing credentials for the selected provider (§4.9 step 1, §7
// ConfigInvalid/CredentialMissing).
func (c *Config) Validate() error {
	switch strings.ToLower(c.Provider) {
	case "twilio":
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return &ConfigError{Tag: "CredentialMissing", Message: "twilio requires accountSid and authToken"}
		}
	case "telnyx":
		if c.Telnyx.APIKey == "" || c.Telnyx.PublicKeyB64 == "" {
			return &ConfigError{Tag: "CredentialMissing", Message: "telnyx requires apiKey and publicKey"}
		}
	case "plivo":
		if c.Plivo.AuthID == "" || c.Plivo.AuthToken == "" {
			return &ConfigError{Tag: "CredentialMissing", Message: "plivo requires authId and authToken"}
		}
	case "voximplant":
		hasStatic := c.Voximplant.StaticJWT != "" && !isAutoSentinel(c.Voximplant.StaticJWT)
		hasServiceAccount := c.Voximplant.AccountID != "" && c.Voximplant.KeyID != "" && c.Voximplant.PrivateKeyPath != ""
		if c.Voximplant.SharedSecret == "" {
			return &ConfigError{Tag: "CredentialMissing", Message: "voximplant requires sharedSecret"}
		}
		if !hasStatic && !hasServiceAccount {
			return &ConfigError{Tag: "CredentialMissing", Message: "voximplant requires either managementJwt or accountId+keyId+privateKeyPath"}
		}
	case "mock":
		// no credentials required
	default:
		return &ConfigError{Tag: "ConfigInvalid", Message: fmt.Sprintf("unknown provider %q", c.Provider)}
	}

	if c.SkipSignatureVerification {
		fmt.Fprintln(os.Stderr, "WARNING: skipSignatureVerification=true — webhook signatures are NOT verified. Do not use in production.")
	}

	switch c.Streaming.Mode {
	case "transcription", "realtime-conversation":
	default:
		return &ConfigError{Tag: "ConfigInvalid", Message: fmt.Sprintf("unknown streaming mode %q", c.Streaming.Mode)}
	}

	if c.Proxy.BasePath != "" && c.Proxy.Upstream == "" {
		return &ConfigError{Tag: "ConfigInvalid", Message: "proxy.basePath set without proxy.upstream"}
	}
	if c.Proxy.WSBasePath != "" && c.Proxy.WSUpstream == "" {
		return &ConfigError{Tag: "ConfigInvalid", Message: "proxy.wsBasePath set without proxy.wsUpstream"}
	}

	return nil
}

// isAutoSentinel reports whether a managementJwt value is one of the
// sentinels that force service-account mode (§4.5).
func isAutoSentinel(v string) bool {
	switch v {
	case "AUTO", "__AUTO__", "__SERVICE_ACCOUNT__":
		return true
	default:
		return false
	}
}
