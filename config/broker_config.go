package config

import (
	"bytes"
	"encoding/json"
	"runtime"

	"github.com/BurntSushi/toml"
)

// FMQConfig 配置文件中字母要小写，结构体属性首字母要大写
type FMQConfig struct {
	ServerVersion string      `toml:"serverVersion"`
	Log           Log         `toml:"log"`
	Broker        Broker      `toml:"broker"`
	Auth          Auth        `toml:"auth"`
	Persistence   Persistence `toml:"persistence"`
	Redis         Redis       `toml:"redis"`
	Mysql         Mysql       `toml:"mysql"`
}

type Log struct {
	Level string `toml:"level" validate:"omitempty,oneof=debug info warn error dpanic panic fatal"`
}

type Broker struct {
	TcpAddr string `toml:"tcpAddr"`

	// Codec names the registered wire-protocol implementation.
	Codec string `toml:"codec"`

	// Workers is the number of IO worker threads. Zero means one per CPU.
	Workers int `toml:"workers" validate:"gte=0"`

	// KeepAlive is the fallback keep-alive window in seconds for clients
	// that do not request one.
	KeepAlive int `toml:"keepalive" validate:"gte=0"`

	// ExpireSessionsAfter is the idle age in seconds after which a session
	// is swept. An unset or zero value falls back to 86400, so the sweep is
	// always scheduled.
	ExpireSessionsAfter   int `toml:"expireSessionsAfter" validate:"gte=0"`
	SessionExpireInterval int `toml:"sessionExpireInterval" validate:"gte=0"`

	// MaxQueueMessages caps each session's pending QoS queue.
	MaxQueueMessages int `toml:"maxQueueMessages" validate:"gte=0"`
}

type Auth struct {
	PasswordFile              string            `toml:"passwordFile"`
	PasswordFileCheckInterval int               `toml:"passwordFileCheckInterval" validate:"gte=0"`
	AllowAnonymous            bool              `toml:"allowAnonymous"`
	Plugin                    string            `toml:"plugin"`
	PluginOpts                map[string]string `toml:"pluginOpts"`
	SerializeInit             bool              `toml:"serializeInit"`
	SerializeAuthChecks       bool              `toml:"serializeAuthChecks"`
}

type Persistence struct {
	Provider      string `toml:"provider" validate:"omitempty,oneof=file mongo"`
	RetainedPath  string `toml:"retainedPath"`
	SessionsPath  string `toml:"sessionsPath"`
	SaveInterval  int    `toml:"saveInterval" validate:"gte=0"`
	MongoUrl      string `toml:"mongoUrl"`
	MongoDatabase string `toml:"mongoDatabase"`
}

type Redis struct {
	RedisUrl string `toml:"redisUrl"`
	PassWord string `toml:"passWord"`
	DB       int    `toml:"db" validate:"gte=0"`
}

type Mysql struct {
	MysqlUrl string `toml:"mysqlUrl"`
	Account  string `toml:"account"`
	PassWord string `toml:"passWord"`
	DataBase string `toml:"dataBase"`
}

// Configure loads the config file, applies defaults and validates. An empty
// path yields a config of pure defaults.
func Configure(path string) (*FMQConfig, error) {
	cfg := &FMQConfig{}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()

	if err := Validate.Struct(cfg); err != nil {
		return nil, Translate(err)
	}
	return cfg, nil
}

func (cfg *FMQConfig) applyDefaults() {
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "1.0.0"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Broker.TcpAddr == "" {
		cfg.Broker.TcpAddr = ":1883"
	}
	if cfg.Broker.Codec == "" {
		cfg.Broker.Codec = "mqtt"
	}
	if cfg.Broker.Workers == 0 {
		cfg.Broker.Workers = runtime.NumCPU()
	}
	if cfg.Broker.KeepAlive == 0 {
		cfg.Broker.KeepAlive = 60
	}
	if cfg.Broker.ExpireSessionsAfter == 0 {
		cfg.Broker.ExpireSessionsAfter = 86400
	}
	if cfg.Broker.SessionExpireInterval == 0 {
		cfg.Broker.SessionExpireInterval = 3600
	}
	if cfg.Broker.MaxQueueMessages == 0 {
		cfg.Broker.MaxQueueMessages = 65535
	}
	if cfg.Auth.PasswordFileCheckInterval == 0 {
		cfg.Auth.PasswordFileCheckInterval = 2
	}
	if cfg.Persistence.SaveInterval == 0 {
		cfg.Persistence.SaveInterval = 900
	}
}

func (cfg *FMQConfig) String() string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	var out bytes.Buffer
	if err = json.Indent(&out, b, "", "\t"); err != nil {
		return ""
	}
	return out.String()
}
