package main

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type config struct {
	// Cluster names the set of nodes exchanging wakeup packets.
	Cluster string `mapstructure:"cluster"`

	Node struct {
		ID   string `mapstructure:"id"`
		Host string `mapstructure:"host"`
	} `mapstructure:"node"`

	// Groups are joined by the daemon on startup.
	Groups []string `mapstructure:"groups"`

	Backend backendConfig `mapstructure:"backend"`

	Sync struct {
		Interval time.Duration `mapstructure:"interval"`

		// Arbiter is empty or "lowest-node-id".
		Arbiter string `mapstructure:"arbiter"`
	} `mapstructure:"sync"`

	Wakeup struct {
		Port    int           `mapstructure:"port"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"wakeup"`

	Listen string `mapstructure:"listen"`

	Log struct {
		Env   string `mapstructure:"env"`
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Resources struct {
		Repositories string `mapstructure:"repositories"`
		Properties   string `mapstructure:"properties"`
	} `mapstructure:"resources"`

	// Properties are the default group properties (sync policies and
	// filters) as key=value pairs. Values stored in the cluster take
	// precedence.
	Properties []string `mapstructure:"properties"`
}

type backendConfig struct {
	Type string `mapstructure:"type"`

	Etcd struct {
		Endpoints   []string      `mapstructure:"endpoints"`
		Namespace   string        `mapstructure:"namespace"`
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
	} `mapstructure:"etcd"`

	DynamoDB struct {
		Table    string `mapstructure:"table"`
		Endpoint string `mapstructure:"endpoint"`
	} `mapstructure:"dynamodb"`

	Postgres struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"postgres"`

	Mongo struct {
		URL      string `mapstructure:"url"`
		Database string `mapstructure:"database"`
	} `mapstructure:"mongo"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Prefix   string `mapstructure:"prefix"`
	} `mapstructure:"redis"`
}

var backendTypes = []string{"memory", "etcd", "dynamodb", "postgres", "mongo", "redis"}

// registerFlags declares the flags shared by every command. Each flag
// maps onto the config key of the same name with dashes replaced.
func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to the config file (defaults to ./cellarsync.yaml or /etc/cellarsync/cellarsync.yaml)")
	flags.String("cluster-name", "cellar", "Name of the cluster, packets from other clusters are ignored")
	flags.String("node-id", "", "ID of this node (defaults to hostname)")
	flags.String("node-host", "", "Address other nodes use to reach this node (defaults to node id)")
	flags.StringSlice("groups", []string{"default"}, "Groups joined by the daemon")
	flags.String("backend", "memory", "Backend holding the distributed collections: "+strings.Join(backendTypes, ", "))
	flags.StringSlice("etcd-endpoints", []string{"127.0.0.1:2379"}, "etcd endpoints")
	flags.String("dynamodb-table", "cellarsync-collections", "DynamoDB table")
	flags.String("dynamodb-endpoint", "", "DynamoDB endpoint override (e.g. for DynamoDB local)")
	flags.String("postgres-url", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable", "PostgreSQL URL")
	flags.String("mongo-url", "mongodb://127.0.0.1:27017", "MongoDB URL")
	flags.String("redis-addr", "127.0.0.1:6379", "Redis address")
	flags.Duration("sync-interval", 30*time.Second, "Interval of the reconciliation loop")
	flags.String("sync-arbiter", "", "Arbitration between members of a group: empty or lowest-node-id")
	flags.Int("wakeup-port", 7946, "UDP port used to wake up other nodes")
	flags.String("listen", ":8080", "Address of the health and metrics server")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-env", "dev", "Log format: dev or prod")
	flags.String("repositories", "", "YAML file holding the local OBR repositories (in memory if empty)")
	flags.String("properties-file", "", "YAML file holding the local configuration properties (in memory if empty)")
	flags.StringArray("property", nil, "Default group property as key=value (repeatable)")
}

var flagKeys = map[string]string{
	"cluster-name":      "cluster",
	"node-id":           "node.id",
	"node-host":         "node.host",
	"groups":            "groups",
	"backend":           "backend.type",
	"etcd-endpoints":    "backend.etcd.endpoints",
	"dynamodb-table":    "backend.dynamodb.table",
	"dynamodb-endpoint": "backend.dynamodb.endpoint",
	"postgres-url":      "backend.postgres.url",
	"mongo-url":         "backend.mongo.url",
	"redis-addr":        "backend.redis.addr",
	"sync-interval":     "sync.interval",
	"sync-arbiter":      "sync.arbiter",
	"wakeup-port":       "wakeup.port",
	"listen":            "listen",
	"log-level":         "log.level",
	"log-env":           "log.env",
	"repositories":      "resources.repositories",
	"properties-file":   "resources.properties",
	"property":          "properties",
}

// loadConfig merges, by increasing precedence, defaults, the config
// file, CELLAR_* environment variables and flags.
func loadConfig(flags *pflag.FlagSet) (config, error) {
	v := viper.New()

	v.SetDefault("backend.etcd.namespace", "cellar")
	v.SetDefault("backend.etcd.dial_timeout", 5*time.Second)
	v.SetDefault("backend.mongo.database", "cellarsync")
	v.SetDefault("backend.redis.prefix", "cellar")
	v.SetDefault("wakeup.timeout", 10*time.Second)

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return config{}, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}

	path, _ := flags.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cellarsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/cellarsync")
	}

	v.SetEnvPrefix("CELLAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var conf config
	if err := v.Unmarshal(&conf); err != nil {
		return config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if conf.Node.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return config{}, fmt.Errorf("failed to get hostname: %w", err)
		}
		conf.Node.ID = hostname
	}
	if conf.Node.Host == "" {
		conf.Node.Host = conf.Node.ID
	}

	if err := conf.validate(); err != nil {
		return config{}, err
	}
	return conf, nil
}

func (c config) validate() error {
	if !slices.Contains(backendTypes, c.Backend.Type) {
		return fmt.Errorf("invalid backend %q, expected one of %s", c.Backend.Type, strings.Join(backendTypes, ", "))
	}

	switch c.Sync.Arbiter {
	case "", "lowest-node-id":
	default:
		return fmt.Errorf("invalid sync arbiter %q", c.Sync.Arbiter)
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be greater than zero")
	}

	if _, err := c.staticProperties(); err != nil {
		return err
	}
	return nil
}

// staticProperties parses the key=value default properties.
func (c config) staticProperties() (map[string]string, error) {
	props := map[string]string{}
	for _, kv := range c.Properties {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q, expected key=value", kv)
		}
		props[k] = strings.TrimSpace(v)
	}
	return props, nil
}
