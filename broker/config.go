package broker

import (
	"time"

	flag "github.com/spf13/pflag"

	"github.com/otclabs/brokerd/plugin/evm"
	"github.com/otclabs/brokerd/plugin/utxo"
	"github.com/otclabs/brokerd/queue"
	"github.com/otclabs/brokerd/recovery"
	"github.com/otclabs/brokerd/resolver"
	"github.com/otclabs/brokerd/store"
)

// Config aggregates every component's configuration into the single
// document the binary loads from flags, environment and config file.
type Config struct {
	Store    store.Config    `koanf:"store"`
	Engine   EngineConfig    `koanf:"engine"`
	Queue    queue.Config    `koanf:"queue"`
	Recovery recovery.Config `koanf:"recovery"`
	Resolver resolver.Config `koanf:"resolver"`
	HTTP     HTTPConfig      `koanf:"http"`

	// Chains are enabled by configuring their node URL.
	EVM  evm.Config  `koanf:"evm"`
	UTXO utxo.Config `koanf:"utxo"`

	// SeedFile holds the hot-wallet mnemonic. Its contents are consumed
	// at startup and never logged.
	SeedFile string `koanf:"seed-file"`
}

var DefaultConfig = Config{
	Store:    store.Config{DataDir: "data"},
	Engine:   DefaultEngineConfig,
	Queue:    queue.DefaultConfig,
	Recovery: recovery.DefaultConfig,
	Resolver: resolver.DefaultConfig,
	HTTP:     DefaultHTTPConfig,
	EVM:      evm.DefaultConfig,
	UTXO:     utxo.DefaultConfig,
}

func ConfigAddOptions(f *flag.FlagSet) {
	f.String("store.data-dir", DefaultConfig.Store.DataDir, "directory holding the broker database")
	f.String("seed-file", "", "path to the hot-wallet mnemonic file")
	EngineConfigAddOptions("engine", f)
	queue.ConfigAddOptions("queue", f)
	recovery.ConfigAddOptions("recovery", f)
	resolver.ConfigAddOptions("resolver", f)
	HTTPConfigAddOptions("http", f)
	evm.ConfigAddOptions("evm", f)
	utxo.ConfigAddOptions("utxo", f)
}

// EngineConfig tunes the deal lifecycle loop.
type EngineConfig struct {
	TickInterval   time.Duration `koanf:"tick-interval"`
	DealTimeout    time.Duration `koanf:"deal-timeout"`
	FundedSlackBps int64         `koanf:"funded-slack-bps"`
	OracleRetries  int           `koanf:"oracle-retries"`
	OracleBackoff  time.Duration `koanf:"oracle-backoff"`
}

var DefaultEngineConfig = EngineConfig{
	TickInterval:   15 * time.Second,
	DealTimeout:    48 * time.Hour,
	FundedSlackBps: 0,
	OracleRetries:  3,
	OracleBackoff:  500 * time.Millisecond,
}

func EngineConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Duration(prefix+".tick-interval", DefaultEngineConfig.TickInterval, "how often the deal engine re-evaluates active deals")
	f.Duration(prefix+".deal-timeout", DefaultEngineConfig.DealTimeout, "collection deadline for new deals")
	f.Int64(prefix+".funded-slack-bps", DefaultEngineConfig.FundedSlackBps, "shortfall tolerated when deciding a side is funded, in basis points")
	f.Int(prefix+".oracle-retries", DefaultEngineConfig.OracleRetries, "price oracle attempts before reimbursement is skipped")
	f.Duration(prefix+".oracle-backoff", DefaultEngineConfig.OracleBackoff, "initial backoff between price oracle retries")
}

// HTTPConfig is the RPC listener address.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
	Port int    `koanf:"port"`
}

var DefaultHTTPConfig = HTTPConfig{
	Addr: "127.0.0.1",
	Port: 8547,
}

func HTTPConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".addr", DefaultHTTPConfig.Addr, "RPC listen address")
	f.Int(prefix+".port", DefaultHTTPConfig.Port, "RPC listen port")
}
