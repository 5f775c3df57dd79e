// Package orbitd wires the wallet engine's services together and drives
// their lifecycle. The daemon owns the message bus, the persistence ports,
// the vault, keyring, permission, chain and transaction services, the rpc
// engine with its namespace adapters, and the page-facing provider bridge.
package orbitd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/orbitwallet/orbitd/attention"
	"github.com/orbitwallet/orbitd/chainreg"
	"github.com/orbitwallet/orbitd/keyring"
	"github.com/orbitwallet/orbitd/msgbus"
	"github.com/orbitwallet/orbitd/perms"
	"github.com/orbitwallet/orbitd/ports/memstore"
	"github.com/orbitwallet/orbitd/provider"
	"github.com/orbitwallet/orbitd/rpcengine"
	"github.com/orbitwallet/orbitd/rpcengine/evm"
	"github.com/orbitwallet/orbitd/signal"
	"github.com/orbitwallet/orbitd/txmgr"
	"github.com/orbitwallet/orbitd/uirpc"
	"github.com/orbitwallet/orbitd/vault"
)

// DaemonConfig bundles the runtime parameters and the persistence ports the
// daemon builds its services on. Callers that need durable storage hand in
// their own port implementations; a nil Stores selects fresh in-memory ones.
type DaemonConfig struct {
	// ActiveChain is the CAIP-2 reference selected when no prior
	// selection was persisted.
	ActiveChain string

	// VaultIterations is the PBKDF2 iteration count for newly sealed
	// vault ciphertexts. Zero selects the vault default.
	VaultIterations uint32

	// Stores provides the persistence ports. Nil selects in-memory
	// stores.
	Stores *memstore.Stores
}

// Daemon owns every service of the wallet engine and their shared message
// bus.
type Daemon struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg DaemonConfig

	bus    *msgbus.Bus
	stores *memstore.Stores

	vault     *vault.Vault
	keyring   *keyring.Service
	perms     *perms.Service
	attention *attention.Queue
	chains    *chainreg.Registry
	txmgr     *txmgr.Manager

	engine *rpcengine.Engine
	bridge *provider.Bridge
}

// NewDaemon creates an unstarted daemon from the given config.
func NewDaemon(cfg DaemonConfig) *Daemon {
	return &Daemon{cfg: cfg}
}

// Start builds and starts every service in dependency order. It returns
// only after the engine's initialized gate has opened, so a successful
// return means requests are being served.
func (d *Daemon) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("daemon already started")
	}

	orbtLog.Infof("Version: %s", Version())

	// The bus and its fixed topic set come first, as every service
	// publishes or observes through it.
	d.bus = msgbus.NewBus(func(topic string, err error) {
		orbtLog.Errorf("Subscriber error on topic %s: %v", topic, err)
	})
	if err := registerTopics(d.bus); err != nil {
		return err
	}

	d.stores = d.cfg.Stores
	if d.stores == nil {
		d.stores = memstore.New()
	}

	d.vault = vault.New(vault.Config{
		Iterations: d.cfg.VaultIterations,
		Store:      d.stores.VaultMeta,
	})
	if err := d.vault.Load(ctx); err != nil {
		return fmt.Errorf("load vault: %w", err)
	}

	d.perms = perms.NewService(perms.Config{
		Store: d.stores.Permissions,
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Publish: []string{
				perms.TopicOriginChanged.Name,
				perms.TopicGrantsChanged.Name,
			},
		}),
	})
	if err := d.perms.Start(ctx); err != nil {
		return fmt.Errorf("start permission service: %w", err)
	}

	codecs, err := keyring.NewCodecRegistry(keyring.EVMCodec{})
	if err != nil {
		return err
	}
	d.keyring = keyring.NewService(keyring.Config{
		Vault:          d.vault,
		Codecs:         codecs,
		Metas:          d.stores.KeyringMetas,
		Accounts:       d.stores.Accounts,
		RevokeAccounts: d.perms.RevokeAccounts,
	})
	if err := d.keyring.Start(ctx); err != nil {
		return fmt.Errorf("start keyring service: %w", err)
	}

	d.attention = attention.NewQueue(attention.Config{
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Publish: []string{attention.TopicQueueChanged.Name},
		}),
	})

	d.chains = chainreg.NewRegistry(chainreg.Config{
		Store: d.stores.Chains,
		Prefs: d.stores.NetworkPrefs,
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Publish: []string{chainreg.TopicActiveChain.Name},
		}),
	})
	if err := d.chains.Start(ctx); err != nil {
		return fmt.Errorf("start chain registry: %w", err)
	}
	if err := d.seedChains(ctx); err != nil {
		return err
	}

	rpcClient := evm.NewClient()
	d.txmgr = txmgr.NewManager(txmgr.Config{
		Registry: d.chains,
		Store:    d.stores.Transactions,
		Signer:   d.keyring,
		Clients: map[string]txmgr.ChainClient{
			evm.Namespace: evm.NewTxClient(rpcClient),
		},
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Publish: []string{
				txmgr.TopicTxChanged.Name,
				txmgr.TopicTxState.Name,
			},
		}),
	})
	if err := d.txmgr.Start(ctx); err != nil {
		return fmt.Errorf("start transaction manager: %w", err)
	}

	adapters := rpcengine.NewAdapterRegistry()
	err = adapters.Register(evm.NewAdapter(evm.Config{
		Keyring:   d.keyring,
		Perms:     d.perms,
		Chains:    d.chains,
		Txmgr:     d.txmgr,
		Attention: d.attention,
		Client:    rpcClient,
	}))
	if err != nil {
		return err
	}
	err = adapters.Register(uirpc.NewAdapter(uirpc.Config{
		Vault:     d.vault,
		Keyring:   d.keyring,
		Perms:     d.perms,
		Chains:    d.chains,
		Attention: d.attention,
		Txmgr:     d.txmgr,
		Settings:  d.stores.Settings,
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Publish:   []string{uirpc.TopicUISnapshot.Name},
			Subscribe: []string{uirpc.TopicUISnapshot.Name},
		}),
	}))
	if err != nil {
		return err
	}

	d.engine = rpcengine.NewEngine(rpcengine.Config{
		Adapters:        adapters,
		Chains:          d.chains,
		Vault:           d.vault,
		Perms:           d.perms,
		Attention:       d.attention,
		DefaultProtocol: evm.Protocol{},
	})

	d.bridge = provider.NewBridge(provider.Config{
		Engine: d.engine,
		Chains: d.chains,
		Perms:  d.perms,
		Messenger: msgbus.NewScoped(d.bus, msgbus.Scope{
			Subscribe: []string{
				chainreg.TopicActiveChain.Name,
				perms.TopicOriginChanged.Name,
			},
		}),
	})
	if err := d.bridge.Start(); err != nil {
		return fmt.Errorf("start provider bridge: %w", err)
	}

	d.engine.MarkInitialized()
	orbtLog.Info("Daemon started, accepting requests")

	return nil
}

// Stop shuts the daemon down in reverse dependency order. The transaction
// manager stops before the bus so its final flush can still publish.
func (d *Daemon) Stop() error {
	if !d.started.Load() {
		return errors.New("daemon never started")
	}
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}

	orbtLog.Info("Daemon shutting down...")

	d.bridge.Stop()
	if err := d.txmgr.Stop(); err != nil {
		orbtLog.Errorf("Transaction manager stop: %v", err)
	}
	d.bus.Stop()

	orbtLog.Info("Shutdown complete")
	return nil
}

// Engine returns the request pipeline for surfaces that bypass the provider
// bridge, such as the trusted UI transport.
func (d *Daemon) Engine() *rpcengine.Engine {
	return d.engine
}

// Bridge returns the page-facing provider bridge.
func (d *Daemon) Bridge() *provider.Bridge {
	return d.bridge
}

// Main starts the daemon with the given config and blocks until a shutdown
// is requested through the interceptor.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	logWriter, _, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logWriter.Close()

	daemon := NewDaemon(DaemonConfig{
		ActiveChain:     cfg.ActiveChain,
		VaultIterations: cfg.VaultIterations,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		return err
	}

	<-interceptor.ShutdownChannel()
	return daemon.Stop()
}

// registerTopics declares the daemon's fixed topic set on the bus.
func registerTopics(bus *msgbus.Bus) error {
	if err := msgbus.RegisterTopic(bus, attention.TopicQueueChanged); err != nil {
		return err
	}
	if err := msgbus.RegisterTopic(bus, chainreg.TopicActiveChain); err != nil {
		return err
	}
	if err := msgbus.RegisterTopic(bus, perms.TopicOriginChanged); err != nil {
		return err
	}
	if err := msgbus.RegisterTopic(bus, perms.TopicGrantsChanged); err != nil {
		return err
	}
	if err := msgbus.RegisterTopic(bus, txmgr.TopicTxChanged); err != nil {
		return err
	}
	if err := msgbus.RegisterTopic(bus, txmgr.TopicTxState); err != nil {
		return err
	}
	return msgbus.RegisterTopic(bus, uirpc.TopicUISnapshot)
}

// seedChains installs the built-in chain set on first start and selects the
// configured default when no prior selection was persisted.
func (d *Daemon) seedChains(ctx context.Context) error {
	if len(d.chains.GetAll()) == 0 {
		if err := d.chains.PutMany(ctx, chainreg.DefaultChains()); err != nil {
			return fmt.Errorf("seed default chains: %w", err)
		}
		orbtLog.Debugf("Seeded %d built-in chains",
			len(chainreg.DefaultChains()))
	}

	if _, err := d.chains.ActiveChain(); err == nil {
		return nil
	}

	refStr := d.cfg.ActiveChain
	if refStr == "" {
		refStr = defaultActiveChain
	}
	ref, err := chainreg.ParseChainRef(refStr)
	if err != nil {
		return fmt.Errorf("default active chain: %w", err)
	}
	return d.chains.SetActiveChain(ctx, ref)
}
