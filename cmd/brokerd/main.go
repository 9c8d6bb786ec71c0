// brokerd runs the OTC cross-chain swap broker: deal lifecycle engine,
// queue dispatcher, recovery manager, synthetic-txid resolver and the
// broker_ RPC surface, over one SQLite database and the configured chain
// plugins.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	flag "github.com/spf13/pflag"
	"github.com/tyler-smith/go-bip39"

	"github.com/otclabs/brokerd/broker"
	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/plugin/evm"
	"github.com/otclabs/brokerd/plugin/utxo"
	"github.com/otclabs/brokerd/store"
)

func main() {
	if err := run(); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func parseConfig(args []string) (broker.Config, error) {
	f := flag.NewFlagSet("brokerd", flag.ContinueOnError)
	configFile := f.String("config", "", "path to a JSON config file")
	verbosity := f.Int("verbosity", 3, "log verbosity: 0=crit 1=error 2=warn 3=info 4=debug 5=trace")
	broker.ConfigAddOptions(f)

	cfg := broker.DefaultConfig
	if err := f.Parse(args); err != nil {
		return cfg, err
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(
		os.Stderr, log.FromLegacyLevel(*verbosity), false)))

	k := koanf.New(".")
	if *configFile != "" {
		if err := k.Load(file.Provider(*configFile), json.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	// BROKERD_QUEUE__TICK_INTERVAL=1s becomes queue.tick-interval:
	// double underscore separates segments, single underscore maps to
	// the dash inside a segment.
	if err := k.Load(env.Provider("BROKERD_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "BROKERD_"))
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ReplaceAll(s, "_", "-")
	}), nil); err != nil {
		return cfg, fmt.Errorf("load environment: %w", err)
	}
	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return cfg, fmt.Errorf("load flags: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

// loadSeed reads the hot-wallet mnemonic and derives the wallet seed.
// Neither ever reaches a log line.
func loadSeed(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("seed-file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	mnemonic := strings.TrimSpace(string(raw))
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("seed file %s does not hold a valid mnemonic", path)
	}
	return bip39.NewSeed(mnemonic, ""), nil
}

func run() error {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		return err
	}
	seed, err := loadSeed(cfg.SeedFile)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plugins := make(map[string]plugin.ChainPlugin)
	if cfg.EVM.URL != "" {
		p, perr := evm.New(ctx, cfg.EVM, seed)
		if perr != nil {
			return perr
		}
		plugins[p.Name()] = p
	}
	if cfg.UTXO.URL != "" {
		p, perr := utxo.New(cfg.UTXO, seed, st)
		if perr != nil {
			return perr
		}
		plugins[p.Name()] = p
	}
	for i := range seed {
		seed[i] = 0
	}
	if len(plugins) == 0 {
		return errors.New("no chains configured, set evm.url or utxo.url")
	}

	backend, err := broker.NewBackend(cfg, st, plugins)
	if err != nil {
		return err
	}
	if err := backend.Start(ctx); err != nil {
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.Info("shutting down", "signal", sig)
	cancel()
	return backend.Stop()
}
