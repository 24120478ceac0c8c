package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mbocsi/msgroute/messaging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MSGROUTE"

type Config struct {
	Log       Log       `mapstructure:"log"`
	HTTP      HTTP      `mapstructure:"http"`
	MCP       MCP       `mapstructure:"mcp"`
	InProcess InProcess `mapstructure:"inprocess"`
	Browser   Browser   `mapstructure:"browser"`
	Channel   Channel   `mapstructure:"channel"`
	WebSocket WebSocket `mapstructure:"websocket"`
	MQTT      MQTT      `mapstructure:"mqtt"`
	Retry     Retry     `mapstructure:"retry"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type HTTP struct {
	Addr string `mapstructure:"addr" validate:"required,hostname_port"`
}

type MCP struct {
	Enabled bool `mapstructure:"enabled"`
	// Addr serves MCP over SSE; empty means stdio.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type InProcess struct {
	Enabled      bool     `mapstructure:"enabled"`
	Endpoints    []string `mapstructure:"endpoints" validate:"dive,required"`
	MaxEndpoints int      `mapstructure:"max-endpoints" validate:"min=0"`
}

type Browser struct {
	Enabled bool     `mapstructure:"enabled"`
	Windows []string `mapstructure:"windows" validate:"dive,required"`
}

type Channel struct {
	Enabled bool `mapstructure:"enabled"`
	// Proxy serves the bounce proxy API under /channels on the HTTP server.
	Proxy         bool          `mapstructure:"proxy"`
	EndpointURL   string        `mapstructure:"endpoint-url" validate:"omitempty,url,startswith=http"`
	ChannelID     string        `mapstructure:"channel-id" validate:"excludesall=/?#"`
	PollTimeout   time.Duration `mapstructure:"poll-timeout" validate:"min=0"`
	MaxQueued     int           `mapstructure:"max-queued" validate:"min=0"`
	RetryInterval time.Duration `mapstructure:"retry-interval" validate:"min=0"`
}

type WebSocket struct {
	Server WebSocketServer `mapstructure:"server"`
	Client WebSocketClient `mapstructure:"client"`
}

type WebSocketServer struct {
	Enabled bool `mapstructure:"enabled"`
	// Addr listens separately; when empty the server is mounted at Path on
	// the HTTP server.
	Addr       string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Path       string `mapstructure:"path" validate:"startswith=/"`
	MaxClients int    `mapstructure:"max-clients" validate:"min=0"`
}

type WebSocketClient struct {
	Enabled bool `mapstructure:"enabled"`
	// ID is our WebSocketClientAddress. Generated when empty.
	ID string `mapstructure:"id"`
}

type MQTT struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURI      string        `mapstructure:"broker-uri" validate:"required_if=Enabled true,omitempty,uri"`
	ClientID       string        `mapstructure:"client-id"`
	Topic          string        `mapstructure:"topic" validate:"excludesall=+#"`
	QoS            int           `mapstructure:"qos" validate:"min=0,max=2"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" validate:"min=0"`
}

type Retry struct {
	InitialBackoff time.Duration `mapstructure:"initial-backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max-backoff" validate:"gtefield=InitialBackoff"`
	Factor         float64       `mapstructure:"factor" validate:"gte=1"`
	Jitter         float64       `mapstructure:"jitter" validate:"min=0,max=1"`
	MaxAttempts    int           `mapstructure:"max-attempts" validate:"min=0"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// Policy converts the retry section into a messaging.RetryPolicy.
func (r Retry) Policy() messaging.RetryPolicy {
	return messaging.RetryPolicy{
		Backoff:     messaging.ExponentialBackoff(r.InitialBackoff, r.Factor, r.MaxBackoff, r.Jitter),
		MaxAttempts: r.MaxAttempts,
		Timeout:     r.Timeout,
	}
}

func Default() *Config {
	return &Config{
		Log:       Log{Level: "info", Format: "json"},
		HTTP:      HTTP{Addr: ":8080"},
		MCP:       MCP{Addr: ":8081"},
		InProcess: InProcess{Enabled: true, MaxEndpoints: 64},
		Browser:   Browser{},
		Channel: Channel{
			PollTimeout:   25 * time.Second,
			MaxQueued:     1024,
			RetryInterval: time.Second,
		},
		WebSocket: WebSocket{
			Server: WebSocketServer{Enabled: true, Path: "/ws", MaxClients: 16},
		},
		MQTT: MQTT{ConnectTimeout: 10 * time.Second},
		Retry: Retry{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Factor:         2,
			Jitter:         0.2,
			Timeout:        time.Minute,
		},
	}
}

// Flags registers the command-line overrides. Flag names match config keys.
func Flags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "Path to a config file (yaml, toml or json)")
	fs.String("log.level", d.Log.Level, "Log level: debug, info, warn or error")
	fs.String("log.format", d.Log.Format, "Log format: json or console")
	fs.String("http.addr", d.HTTP.Addr, "HTTP listen address")
	fs.Bool("mcp.enabled", d.MCP.Enabled, "Serve MCP introspection tools")
	fs.Bool("channel.enabled", d.Channel.Enabled, "Enable the HTTP long-poll channel transport")
	fs.Bool("channel.proxy", d.Channel.Proxy, "Serve the channel bounce proxy")
	fs.String("channel.endpoint-url", d.Channel.EndpointURL, "Bounce proxy hosting our own channel")
	fs.Bool("websocket.server.enabled", d.WebSocket.Server.Enabled, "Accept WebSocket clients")
	fs.Bool("websocket.client.enabled", d.WebSocket.Client.Enabled, "Connect out to WebSocket servers")
	fs.Bool("mqtt.enabled", d.MQTT.Enabled, "Enable the MQTT transport")
	fs.String("mqtt.broker-uri", d.MQTT.BrokerURI, "MQTT broker URI")
}

// Load reads defaults, then the config file (if any), then MSGROUTE_*
// environment variables, then changed flags, and validates the result.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed {
				return
			}
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("mcp.enabled", d.MCP.Enabled)
	v.SetDefault("mcp.addr", d.MCP.Addr)
	v.SetDefault("inprocess.enabled", d.InProcess.Enabled)
	v.SetDefault("inprocess.endpoints", d.InProcess.Endpoints)
	v.SetDefault("inprocess.max-endpoints", d.InProcess.MaxEndpoints)
	v.SetDefault("browser.enabled", d.Browser.Enabled)
	v.SetDefault("browser.windows", d.Browser.Windows)
	v.SetDefault("channel.enabled", d.Channel.Enabled)
	v.SetDefault("channel.proxy", d.Channel.Proxy)
	v.SetDefault("channel.endpoint-url", d.Channel.EndpointURL)
	v.SetDefault("channel.channel-id", d.Channel.ChannelID)
	v.SetDefault("channel.poll-timeout", d.Channel.PollTimeout)
	v.SetDefault("channel.max-queued", d.Channel.MaxQueued)
	v.SetDefault("channel.retry-interval", d.Channel.RetryInterval)
	v.SetDefault("websocket.server.enabled", d.WebSocket.Server.Enabled)
	v.SetDefault("websocket.server.addr", d.WebSocket.Server.Addr)
	v.SetDefault("websocket.server.path", d.WebSocket.Server.Path)
	v.SetDefault("websocket.server.max-clients", d.WebSocket.Server.MaxClients)
	v.SetDefault("websocket.client.enabled", d.WebSocket.Client.Enabled)
	v.SetDefault("websocket.client.id", d.WebSocket.Client.ID)
	v.SetDefault("mqtt.enabled", d.MQTT.Enabled)
	v.SetDefault("mqtt.broker-uri", d.MQTT.BrokerURI)
	v.SetDefault("mqtt.client-id", d.MQTT.ClientID)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.qos", d.MQTT.QoS)
	v.SetDefault("mqtt.connect-timeout", d.MQTT.ConnectTimeout)
	v.SetDefault("retry.initial-backoff", d.Retry.InitialBackoff)
	v.SetDefault("retry.max-backoff", d.Retry.MaxBackoff)
	v.SetDefault("retry.factor", d.Retry.Factor)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.max-attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.timeout", d.Retry.Timeout)
}
