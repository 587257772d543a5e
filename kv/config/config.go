package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/kv/engine"
	"github.com/pingcap-incubator/tinytxn/kv/session"
	"github.com/pingcap-incubator/tinytxn/kv/transaction"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

type Config struct {
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	Log log.Config `toml:"log" json:"log"`

	Engine      EngineConfig      `toml:"engine" json:"engine"`
	Session     SessionConfig     `toml:"session" json:"session"`
	Transaction TransactionConfig `toml:"transaction" json:"transaction"`

	logger   *zap.Logger
	logProps *log.ZapProperties
}

type EngineConfig struct {
	// Backend is "memory" or "badger".
	Backend string `toml:"backend" json:"backend"`
	// Directory to store the data in. Only used by the badger backend.
	DBPath     string `toml:"db-path" json:"db-path"`
	SyncWrites bool   `toml:"sync-writes" json:"sync-writes"`

	DataNodes         int  `toml:"data-nodes" json:"data-nodes"`
	DistributionAware bool `toml:"distribution-aware" json:"distribution-aware"`
	// Execute calls per second, 0 for unlimited.
	ExecuteRate   float64 `toml:"execute-rate" json:"execute-rate"`
	ScanBatchSize int     `toml:"scan-batch-size" json:"scan-batch-size"`
}

type SessionConfig struct {
	MaxTransactionRecords int  `toml:"max-transaction-records" json:"max-transaction-records"`
	AsyncExecute          bool `toml:"async-execute" json:"async-execute"`
}

type TransactionConfig struct {
	// Scan restarts allowed after fetch timeouts, per transaction handler.
	ScanRetryLimit int  `toml:"scan-retry-limit" json:"scan-retry-limit"`
	ForceSend      bool `toml:"force-send" json:"force-send"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StatusAddr: "127.0.0.1:20180",
		Log: log.Config{
			Level:  getLogLevel(),
			Format: "text",
		},
		Engine: EngineConfig{
			Backend:       BackendBadger,
			DBPath:        "/tmp/tinytxn",
			DataNodes:     4,
			ScanBatchSize: 256,
		},
		Session: SessionConfig{
			MaxTransactionRecords: session.DefaultMaxTransactionRecords,
			AsyncExecute:          true,
		},
		Transaction: TransactionConfig{
			ScanRetryLimit: transaction.DefaultScanRetryLimit,
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		StatusAddr: "127.0.0.1:0",
		Log: log.Config{
			Level:  getLogLevel(),
			Format: "text",
		},
		Engine: EngineConfig{
			Backend:       BackendMemory,
			DataNodes:     2,
			ScanBatchSize: 16,
		},
		Session: SessionConfig{
			MaxTransactionRecords: session.DefaultMaxTransactionRecords,
		},
		Transaction: TransactionConfig{
			ScanRetryLimit: transaction.DefaultScanRetryLimit,
		},
	}
}

// LoadConfig reads path over the defaults. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, errors.Errorf("config contains undefined item: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Engine.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Engine.DBPath == "" {
			return errors.New("badger backend needs a db-path")
		}
	default:
		return errors.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	if c.Engine.DataNodes <= 0 {
		return errors.New("data-nodes must be greater than 0")
	}
	if c.Engine.ExecuteRate < 0 {
		return errors.New("execute-rate must not be negative")
	}
	if c.Session.MaxTransactionRecords < 2 {
		// A scan transaction holds two records.
		return errors.New("max-transaction-records must be at least 2")
	}
	if c.Transaction.ScanRetryLimit < 0 {
		return errors.New("scan-retry-limit must not be negative")
	}
	return nil
}

// SetupLogger builds the zap logger from the log section and installs it as the global logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return errors.Trace(err)
	}
	c.logger = lg
	c.logProps = p
	log.ReplaceGlobals(lg, p)
	return nil
}

// GetZapLogger returns the logger built by SetupLogger, or the global logger before that.
func (c *Config) GetZapLogger() *zap.Logger {
	if c.logger == nil {
		return log.L()
	}
	return c.logger
}

// OpenEngine opens the store of the configured backend and the engine on top of it.
func (c *Config) OpenEngine() (*engine.Engine, error) {
	var store engine.Store
	switch c.Engine.Backend {
	case BackendMemory:
		store = engine.NewMemStore()
	case BackendBadger:
		bs, err := engine.OpenBadgerStore(c.Engine.DBPath, c.Engine.SyncWrites)
		if err != nil {
			return nil, err
		}
		store = bs
	default:
		return nil, errors.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	return engine.New(store, engine.Options{
		DataNodes:         c.Engine.DataNodes,
		DistributionAware: c.Engine.DistributionAware,
		ExecuteRate:       c.Engine.ExecuteRate,
		ScanBatchSize:     c.Engine.ScanBatchSize,
	}), nil
}

// SessionOptions returns the session options of the configuration. metrics and ids may be nil.
func (c *Config) SessionOptions(metrics *transaction.Metrics, ids transaction.IDGenerator) session.Options {
	return session.Options{
		MaxTransactionRecords: c.Session.MaxTransactionRecords,
		AsyncExecute:          c.Session.AsyncExecute,
		ScanRetryLimit:        c.Transaction.ScanRetryLimit,
		ForceSend:             c.Transaction.ForceSend,
		Metrics:               metrics,
		IDs:                   ids,
		Logger:                c.GetZapLogger(),
	}
}
