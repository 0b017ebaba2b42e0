package config

type Config interface {
	EnvConfig
	BackendConfig
	IdentityConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetLogLevel() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Backend
	Identity
	Session
}

func New() Config {
	return mainConfig{}
}
