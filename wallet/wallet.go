// Package wallet composes storage, keyring, engines and the dispatcher into
// the running wallet service and serves it over HTTP.
package wallet

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-wallet/core/backup"
	"github.com/AvaProtocol/ap-wallet/core/config"
	"github.com/AvaProtocol/ap-wallet/core/keyring"
	"github.com/AvaProtocol/ap-wallet/core/txdispatch"
	"github.com/AvaProtocol/ap-wallet/core/txengine"
	"github.com/AvaProtocol/ap-wallet/core/useropengine"
	"github.com/AvaProtocol/ap-wallet/metrics"
	"github.com/AvaProtocol/ap-wallet/model"
	"github.com/AvaProtocol/ap-wallet/storage"
	"github.com/AvaProtocol/ap-wallet/version"
)

type WalletStatus string

const (
	initStatus     WalletStatus = "init"
	runningStatus  WalletStatus = "running"
	shutdownStatus WalletStatus = "shutdown"
)

// ChainClient is everything the wallet reads from and sends to a chain.
// *ethclient.Client implements it.
type ChainClient interface {
	txengine.ChainClient
	keyring.ChainReader
}

func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s, make sure it exists and is valid yaml: %w", configPath, err)
	}

	w, err := New(c)
	if err != nil {
		return fmt.Errorf("cannot initialize wallet from config: %w", err)
	}

	return w.Start(context.Background())
}

type Wallet struct {
	config *config.Config
	logger sdklogging.Logger

	db         storage.Storage
	keys       *keyring.Keyring
	txs        *txengine.Engine
	userops    *useropengine.Engine
	dispatcher *txdispatch.Dispatcher

	backup *backup.Service

	registry *prometheus.Registry
	http     *echo.Echo
	status   atomic.Value

	shutdown    sync.Once
	shutdownErr error
}

type Option func(*options)

type options struct {
	db      storage.Storage
	clients map[uint64]ChainClient
	dial    useropengine.BundlerDialer
}

// WithStorage uses db instead of opening config.DbPath
func WithStorage(db storage.Storage) Option {
	return func(o *options) { o.db = db }
}

// WithChainClients skips dialing the configured rpc urls
func WithChainClients(clients map[uint64]ChainClient) Option {
	return func(o *options) { o.clients = clients }
}

func WithBundlerDialer(dial useropengine.BundlerDialer) Option {
	return func(o *options) { o.dial = dial }
}

func New(c *config.Config, opts ...Option) (*Wallet, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	w := &Wallet{
		config:   c,
		logger:   c.Logger,
		registry: prometheus.NewRegistry(),
	}
	w.status.Store(initStatus)

	var err error
	if o.db == nil {
		o.db, err = storage.NewWithPath(c.DbPath)
		if err != nil {
			return nil, fmt.Errorf("cannot open storage at %s: %w", c.DbPath, err)
		}
	}
	w.db = o.db
	if err := w.db.Setup(); err != nil {
		return nil, err
	}

	if o.clients == nil {
		o.clients, err = dialNetworks(c)
		if err != nil {
			return nil, err
		}
	}
	if o.dial == nil {
		o.dial = useropengine.DialBundler(w.logger)
	}

	recorder := metrics.NewWalletMetrics(w.registry)

	keyNetworks := make([]keyring.Network, 0, len(c.Networks))
	txClients := make(map[uint64]txengine.ChainClient, len(c.Networks))
	opNetworks := make([]useropengine.Network, 0, len(c.Networks))
	for _, n := range c.Networks {
		client, ok := o.clients[n.ChainID]
		if !ok {
			return nil, fmt.Errorf("no chain client for network %d", n.ChainID)
		}
		keyNetworks = append(keyNetworks, keyring.Network{ChainID: n.ChainID, Entrypoint: n.Entrypoint, Bundler: n.BundlerUrl, Client: client})
		txClients[n.ChainID] = client
		opNetworks = append(opNetworks, useropengine.Network{ChainID: n.ChainID, Entrypoint: n.Entrypoint, Fees: client})
	}

	w.keys = keyring.New(keyNetworks, w.logger)
	for _, key := range c.EOAKeys {
		if _, err := w.keys.AddKey(key); err != nil {
			return nil, err
		}
	}
	for _, sa := range c.SmartAccounts {
		if _, err := w.keys.AddSmartAccount(keyring.SmartAccount{
			Address: sa.Address,
			Owner:   sa.Owner,
			Factory: sa.Factory,
			Salt:    sa.Salt,
		}); err != nil {
			return nil, err
		}
	}

	approver := approverFor(c)
	w.txs, err = txengine.New(w.db, w.keys, txClients, w.logger,
		txengine.WithApprover(approver),
		txengine.WithMetrics(recorder))
	if err != nil {
		return nil, err
	}

	w.userops, err = useropengine.New(w.db, w.txs, opNetworks, o.dial, w.logger,
		useropengine.WithApprover(approver),
		useropengine.WithMetrics(recorder),
		useropengine.WithPollInterval(c.PollInterval))
	if err != nil {
		return nil, err
	}

	w.dispatcher = txdispatch.New(w.txs, w.userops, w.keys, w.logger, txdispatch.WithMetrics(recorder))

	if c.BackupDir != "" && c.BackupInterval > 0 {
		w.backup = backup.NewService(w.logger, w.db, c.BackupDir)
	}

	w.initSentry()
	w.http = w.newHttpServer()
	return w, nil
}

// dialNetworks connects to every rpc concurrently and checks each one serves
// the chain it is configured for
func dialNetworks(c *config.Config) (map[uint64]ChainClient, error) {
	var (
		mu      sync.Mutex
		clients = make(map[uint64]ChainClient, len(c.Networks))
	)

	g, ctx := errgroup.WithContext(context.Background())
	for _, n := range c.Networks {
		n := n // per-iteration copy; go directive is below 1.22
		g.Go(func() error {
			client, err := ethclient.DialContext(ctx, n.RpcUrl)
			if err != nil {
				return fmt.Errorf("cannot dial rpc for network %d: %w", n.ChainID, err)
			}

			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			chainID, err := client.ChainID(callCtx)
			if err != nil {
				return fmt.Errorf("cannot read chain id of network %d: %w", n.ChainID, err)
			}
			if chainID.Uint64() != n.ChainID {
				return fmt.Errorf("rpc %s serves chain %d, configured as %d", n.RpcUrl, chainID.Uint64(), n.ChainID)
			}

			mu.Lock()
			clients[n.ChainID] = client
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return clients, nil
}

var _ txdispatch.NonceResetter = (*keyring.Keyring)(nil)

// approverFor allows every origin unless the config narrows it
func approverFor(c *config.Config) txengine.Approver {
	if len(c.ApprovedOrigins) == 0 {
		return txengine.AutoApprover{}
	}
	allowed := txengine.OriginAllowlist{}
	for _, origin := range c.ApprovedOrigins {
		allowed[origin] = true
	}
	return allowed
}

func (w *Wallet) Status() WalletStatus {
	return w.status.Load().(WalletStatus)
}

// Start serves HTTP until ctx is done or the process is signaled, then shuts
// everything down.
func (w *Wallet) Start(ctx context.Context) error {
	w.logger.Infof("Starting wallet %s", version.Get())

	w.resumePolling()
	if w.backup != nil {
		if err := w.backup.StartPeriodicBackup(w.config.BackupInterval); err != nil {
			return err
		}
	}

	addr := w.config.HttpBindAddress
	w.logger.Info("HTTP server listening", "address", addr)
	goSafe(func() {
		if err := w.http.Start(addr); err != nil {
			w.logger.Warn("HTTP server stopped", "address", addr, "error", err)
		}
	})
	w.status.Store(runningStatus)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-ctx.Done():
	}

	w.logger.Infof("Shutting down...")
	return w.Shutdown()
}

// resumePolling restarts receipt polling for every network since pending
// operations survive restarts
func (w *Wallet) resumePolling() {
	for _, n := range w.config.Networks {
		w.userops.StartPollingForNetwork(n.ChainID)
	}
}

// Shutdown stops serving and releases storage. Only the first call does
// any work.
func (w *Wallet) Shutdown() error {
	w.shutdown.Do(func() {
		w.status.Store(shutdownStatus)

		var errs *multierror.Error
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.http.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("http server did not shut down cleanly: %w", err))
		}
		if err := w.userops.Stop(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("user operation polling did not stop cleanly: %w", err))
		}
		if w.backup != nil {
			w.backup.StopPeriodicBackup()
		}
		if err := w.txs.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close transaction index: %w", err))
		}
		flushSentry()
		if err := w.db.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close storage: %w", err))
		}

		w.shutdownErr = errs.ErrorOrNil()
		if w.shutdownErr != nil {
			w.logger.Warn("wallet shutdown", "error", w.shutdownErr)
		}
	})
	return w.shutdownErr
}

// Send submits params on behalf of the wallet itself, with no dapp origin,
// and waits until the hash is known.
func (w *Wallet) Send(ctx context.Context, chainID uint64, params *model.TxParams, opts txdispatch.Options) (*model.TransactionRecord, error) {
	if !common.IsHexAddress(params.From) {
		return nil, fmt.Errorf("%w: invalid from address %q", txdispatch.ErrInvalidRequest, params.From)
	}
	account, ok := w.keys.Account(common.HexToAddress(params.From))
	if !ok {
		return nil, fmt.Errorf("%w: %s is not managed by this wallet", keyring.ErrUnknownAccount, params.From)
	}
	if chainID == 0 {
		chainID = w.config.Networks[0].ChainID
	}

	w.resumePolling()
	return w.dispatcher.AddTransaction(ctx, txdispatch.NewWalletRequest(chainID, account, params, opts), txdispatch.WaitOptions{WaitForSubmission: true})
}
