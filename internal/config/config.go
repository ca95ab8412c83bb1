package config

import (
	"flag"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type (
	Config struct {
		App     `yaml:"app"`
		HTTP    `yaml:"http"`
		Log     `yaml:"logger"`
		Storage `yaml:"storage"`
	}

	App struct {
		Env           string `yaml:"env"            env:"APP_ENV"     env-default:"local"`
		Name          string `yaml:"name"           env-default:"davfs-go"`
		Version       string `yaml:"version"        env:"APP_VERSION" env-default:"dev"`
		CalDAVPrefix  string `yaml:"caldav_prefix"  env-default:"calendars"`
		CardDAVPrefix string `yaml:"carddav_prefix" env-default:"contacts"`

		// Verify is set from the -verify-storage flag, not from the file.
		Verify bool `yaml:"-"`
	}

	HTTP struct {
		IP         string        `yaml:"ip"           env-default:"0.0.0.0"`
		Port       string        `yaml:"port"         env:"HTTP_PORT" env-default:"8082"`
		Timeout    time.Duration `yaml:"timeout"      env-default:"4s"`
		IdleTimout time.Duration `yaml:"idle_timeout" env-default:"60s"`
		CORS       struct {
			AllowedMethods     []string `yaml:"allowed_methods"`
			AllowedOrigins     []string `yaml:"allowed_origins"`
			AllowCredentials   bool     `yaml:"allow_credentials"`
			AllowedHeaders     []string `yaml:"allowed_headers"`
			OptionsPassthrough bool     `yaml:"options_passthrough"`
			ExposedHeaders     []string `yaml:"exposed_headers"`
			Debug              bool     `yaml:"debug"`
		} `yaml:"cors"`
	}

	Log struct {
		Level string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	}

	Storage struct {
		// URL selects the backend by scheme; file://<root> is the
		// filesystem store.
		URL           string        `yaml:"url"             env:"STORAGE_URL" env-default:"file://./data"`
		CacheRoot     string        `yaml:"cache_root"      env:"STORAGE_CACHE_ROOT"`
		Fsync         bool          `yaml:"fsync"           env-default:"true"`
		Hook          string        `yaml:"hook"`
		MaxSyncAge    time.Duration `yaml:"max_sync_age"    env-default:"720h"`
		InProcessLock bool          `yaml:"in_process_lock"`
	}
)

const (
	EnvConfigPathName  = "CONFIG-PATH"
	FlagConfigPathName = "config"
)

var (
	configPath    string
	verifyStorage bool
	instance      *Config
	once          sync.Once
)

// GetConfig returns app configs.
func GetConfig() *Config {
	once.Do(func() {
		flag.StringVar(
			&configPath,
			FlagConfigPathName,
			"./configs/config.yml",
			"this is app config file",
		)
		flag.BoolVar(
			&verifyStorage,
			"verify-storage",
			false,
			"check every item in the store and exit",
		)
		flag.Parse()

		log.Print("config init")

		if configPath == "" {
			configPath = os.Getenv(EnvConfigPathName)
		}

		instance = &Config{}

		var err error
		if _, statErr := os.Stat(configPath); statErr == nil {
			err = cleanenv.ReadConfig(configPath, instance)
		} else {
			err = cleanenv.ReadEnv(instance)
		}
		if err != nil {
			helpText := "DavFS-Go - CalDAV+CardDAV Service"
			help, _ := cleanenv.GetDescription(instance, &helpText)
			log.Print(help)
			log.Fatal(err)
		}

		instance.App.Verify = verifyStorage
	})
	return instance
}
