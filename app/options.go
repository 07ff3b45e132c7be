// Option is a main set of service option
// Some ideas and piece of code borrow from projects of Umputun (https://github.com/umputun)

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// configReader implement different file read implementation (toml, json, yml etc.)
type configReader interface {
	ReadConfigFromFile(pathToFile string, opts *Options) error
}

// Options the main parameters for the service
type Options struct {
	Listen     string `long:"listen" env:"HP_LISTEN" default:"*" description:"listen on host:port (0.0.0.0 without)" json:"listen" yaml:"listen" toml:"listen"`
	ConfigPath string `long:"config-file" env:"HP_CONFIG_FILE" description:"Path to config file" toml:"-"`

	Server struct {
		Host     string `long:"host" env:"HOST" default:"" description:"Externally visible hostname of the service" json:"host" yaml:"host" toml:"host"`
		Port     int    `long:"port" env:"PORT" default:"8080" description:"Main web-service port. Default:8080" json:"port" yaml:"port" toml:"port"`
		FileSize int64  `long:"file-size" env:"FILE_SIZE" default:"2147483648" description:"Max proxied file size in bytes" json:"fileSize" yaml:"fileSize" toml:"fileSize"`
	} `group:"server" namespace:"server" env-namespace:"SERVER" json:"server" yaml:"server" toml:"server"`

	RateLimit struct {
		RequestLimit int     `long:"requests" env:"LIMIT" default:"400" description:"Requests allowed per period for one client" json:"requestLimit" yaml:"requestLimit" toml:"requestLimit"`
		PeriodHours  float64 `long:"period-hours" env:"PERIOD_HOURS" default:"3" description:"Refill window in hours" json:"periodHours" yaml:"periodHours" toml:"periodHours"`
	} `group:"rateLimit" namespace:"rate" env-namespace:"RATE" json:"rateLimit" yaml:"rateLimit" toml:"rateLimit"`

	Security struct {
		WhiteList []string `long:"whitelist" env:"WHITELIST" env-delim:"," description:"IP CIDRs passed unmetered" json:"whiteList" yaml:"whiteList" toml:"whiteList"`
		BlackList []string `long:"blacklist" env:"BLACKLIST" env-delim:"," description:"IP CIDRs refused outright" json:"blackList" yaml:"blackList" toml:"blackList"`
	} `group:"security" namespace:"security" env-namespace:"SECURITY" json:"security" yaml:"security" toml:"security"`

	Access struct {
		WhiteList []string `long:"whitelist" env:"WHITELIST" env-delim:"," description:"repo/image patterns allowed" json:"whiteList" yaml:"whiteList" toml:"whiteList"`
		BlackList []string `long:"blacklist" env:"BLACKLIST" env-delim:"," description:"repo/image patterns refused" json:"blackList" yaml:"blackList" toml:"blackList"`
		Proxy     string   `long:"proxy" env:"PROXY" description:"Outbound forward proxy URL" json:"proxy" yaml:"proxy" toml:"proxy"`
	} `group:"access" namespace:"access" env-namespace:"ACCESS" json:"access" yaml:"access" toml:"access"`

	TokenCache struct {
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"Enable the registry token cache" json:"enabled" yaml:"enabled" toml:"enabled"`
		DefaultTTL string `long:"default-ttl" env:"DEFAULT_TTL" default:"20m" description:"Default token cache TTL" json:"defaultTTL" yaml:"defaultTTL" toml:"defaultTTL"`
	} `group:"tokenCache" namespace:"token-cache" env-namespace:"TOKEN_CACHE" json:"tokenCache" yaml:"tokenCache" toml:"tokenCache"`

	Logger struct {
		StdOut     bool   `long:"stdout" env:"STDOUT" description:"enable stdout logging" json:"stdout" yaml:"stdout" toml:"stdout"`
		Enabled    bool   `long:"enabled" env:"ENABLED" description:"enable access and error rotated logs" json:"enabled" yaml:"enabled" toml:"enabled"`
		FileName   string `long:"file" env:"FILE" default:"access.log" description:"location of access log" json:"filename" yaml:"filename" toml:"filename"`
		MaxSize    string `long:"max-size" env:"SIZE" default:"10M" description:"maximum size before it gets rotated" json:"max_size" yaml:"max_size" toml:"max_size"`
		MaxBackups int    `long:"max-backups" env:"BACKUPS" default:"10" description:"maximum number of old log files to retain" json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	} `group:"logger" namespace:"logger" env-namespace:"HP_LOGGER" json:"logger" yaml:"logger" toml:"logger"`

	Metrics struct {
		Listen string `long:"listen" env:"LISTEN" description:"internal metrics listen address, disabled when empty" json:"listen" yaml:"listen" toml:"listen"`
	} `group:"metrics" namespace:"metrics" env-namespace:"HP_METRICS" json:"metrics" yaml:"metrics" toml:"metrics"`

	// upstream registries table, file-configured only
	Registries map[string]RegistryOpts `no-flag:"true" json:"registries" yaml:"registries" toml:"registries"`

	Debug bool `long:"debug" env:"HP_DEBUG" description:"enable the debug mode" json:"debug" yaml:"debug" toml:"debug"`

	// implement interface for parse different types of config files
	configReader `toml:"-"`
}

// RegistryOpts describes one upstream registry entry of the config file
type RegistryOpts struct {
	Upstream string `json:"upstream" yaml:"upstream" toml:"upstream"`
	AuthHost string `json:"authHost" yaml:"authHost" toml:"authHost"`
	AuthType string `json:"authType" yaml:"authType" toml:"authType"`
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

func parseArgs() (*Options, error) {
	var options Options
	options.TokenCache.Enabled = true

	_, errParse := flags.ParseArgs(&options, os.Args)

	// if config file undefined throw error when flag parse
	if options.ConfigPath == "" && errParse != nil {
		return nil, errors.Wrap(errParse, "failed to parse options")
	}

	// try read config from config file
	if options.ConfigPath != "" {
		ext := filepath.Ext(options.ConfigPath)
		switch ext {
		case ".toml":
			options.configReader = new(tomlConfigParser)
		case ".json":
			options.configReader = new(jsonConfigParser)
		case ".yml", ".yaml":
			options.configReader = new(yamlConfigParser)
		default:
			return nil, errors.Errorf("config parser for %q not implemented", ext)
		}
		if errReadCfg := options.ReadConfigFromFile(options.ConfigPath, &options); errReadCfg != nil {
			return nil, errReadCfg
		}
	}

	applyEnvOverrides(&options)

	if err := options.Validate(); err != nil {
		return nil, err
	}

	return &options, nil
}

// applyEnvOverrides handles the short environment names kept for
// compatibility, the IP lists append to whatever the file configured.
func applyEnvOverrides(options *Options) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		options.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			options.Server.Port = port
		}
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			options.Server.FileSize = size
		}
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			options.RateLimit.RequestLimit = limit
		}
	}
	if v := os.Getenv("RATE_PERIOD_HOURS"); v != "" {
		if hours, err := strconv.ParseFloat(v, 64); err == nil {
			options.RateLimit.PeriodHours = hours
		}
	}
	if v := os.Getenv("IP_WHITELIST"); v != "" {
		options.Security.WhiteList = append(options.Security.WhiteList, splitCSV(v)...)
	}
	if v := os.Getenv("IP_BLACKLIST"); v != "" {
		options.Security.BlackList = append(options.Security.BlackList, splitCSV(v)...)
	}
}

// Validate checks option values, all violations reported at once.
func (o *Options) Validate() error {
	var result *multierror.Error

	if o.Server.Port > 65535 || o.Server.Port < 1 {
		result = multierror.Append(result, errors.New("wrong port value"))
	}
	if o.RateLimit.RequestLimit < 1 {
		result = multierror.Append(result, errors.New("rate limit should be positive"))
	}
	if o.RateLimit.PeriodHours <= 0 {
		result = multierror.Append(result, errors.New("rate period should be positive"))
	}
	if o.Server.FileSize < 1 {
		result = multierror.Append(result, errors.New("file size limit should be positive"))
	}
	return result.ErrorOrNil()
}

func splitCSV(s string) (res []string) {
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			res = append(res, v)
		}
	}
	return res
}

// tomlConfigParser implementation of toml file config parser
type tomlConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for toml config file
func (p *tomlConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errRead := os.ReadFile(filepath.Clean(pathToFile))
	if errRead != nil {
		return errors.Wrap(errRead, "failed to read toml config file")
	}
	if errRead = toml.Unmarshal(data, options); errRead != nil {
		return errors.Wrap(errRead, "failed to unmarshal toml config data")
	}
	return nil
}

// jsonConfigParser implementation of json file config parser
type jsonConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for json config file
func (p *jsonConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errRead := os.ReadFile(filepath.Clean(pathToFile))
	if errRead != nil {
		return errors.Wrap(errRead, "failed to read json config file")
	}
	if errRead = json.Unmarshal(data, options); errRead != nil {
		return errors.Wrap(errRead, "failed to unmarshal json config data")
	}
	return nil
}

// yamlConfigParser implementation of yaml file config parser
type yamlConfigParser struct{}

// ReadConfigFromFile the implement configReader interface method for yaml config file
func (p *yamlConfigParser) ReadConfigFromFile(pathToFile string, options *Options) error {
	data, errRead := os.ReadFile(filepath.Clean(pathToFile))
	if errRead != nil {
		return errors.Wrap(errRead, "failed to read yaml config file")
	}
	if errRead = yaml.Unmarshal(data, options); errRead != nil {
		return errors.Wrap(errRead, "failed to unmarshal yaml config data")
	}
	return nil
}
