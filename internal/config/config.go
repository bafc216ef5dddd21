package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	CacheDir string         `mapstructure:"cache_dir"`
	WatchDir string         `mapstructure:"watch_dir"` // 为空时不启用 job 文件监听
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
	File   string `mapstructure:"file"`   // 为空时只输出到标准输出
}

// ToolsConfig 外部工具配置
type ToolsConfig struct {
	Java             string        `mapstructure:"java"`      // 显式 java 路径，优先于 java_home
	JavaHome         string        `mapstructure:"java_home"` // 默认取 JAVA_HOME
	ApktoolJar       string        `mapstructure:"apktool_jar"`
	ApkSignerJar     string        `mapstructure:"apksigner_jar"`
	VasDollyJar      string        `mapstructure:"vasdolly_jar"`
	Keystore         string        `mapstructure:"keystore"`
	KeystorePassword string        `mapstructure:"keystore_password"`
	KeystoreAlias    string        `mapstructure:"keystore_alias"`
	KeyPassword      string        `mapstructure:"key_password"`
	Timeout          time.Duration `mapstructure:"timeout"` // 0 表示不限时
	KeepArtifacts    bool          `mapstructure:"keep_artifacts"`
	KeepRuns         int           `mapstructure:"keep_runs"` // 缓存目录最多保留的运行数，0 表示不清理
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.db_name", "data/repack.db")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "apk_repack_tasks")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("tools.apktool_jar", "tools/apktool.jar")
	v.SetDefault("tools.apksigner_jar", "tools/uber-apk-signer.jar")
	v.SetDefault("tools.vasdolly_jar", "tools/VasDolly.jar")
	v.SetDefault("tools.keystore", "tools/key.keystore")
	v.SetDefault("tools.keystore_password", "123456")
	v.SetDefault("tools.keystore_alias", "key")
	v.SetDefault("tools.timeout", "0s")
	v.SetDefault("tools.keep_artifacts", true)
	v.SetDefault("tools.keep_runs", 20)

	v.SetDefault("cache_dir", "cache")
}

// Load 读取配置文件，文件不存在时使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	v.BindEnv("server.api_token", "API_TOKEN")

	// Tools
	v.BindEnv("tools.java_home", "JAVA_HOME")
	v.BindEnv("tools.keystore_password", "KEYSTORE_PASS")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
