package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/settler/internal/api"
	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/core/domain"
	redisclient "github.com/vietddude/settler/internal/infra/redis"
	"github.com/vietddude/settler/internal/infra/rpc"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/infra/storage/memory"
	"github.com/vietddude/settler/internal/infra/storage/postgres"
	"github.com/vietddude/settler/internal/settlement"
	"github.com/vietddude/settler/internal/settlement/bitcoin"
	"github.com/vietddude/settler/internal/settlement/ethereum"
	"github.com/vietddude/settler/internal/settlement/ripple"
)

// maxNodeErrorRate marks a node degraded in health reports.
const maxNodeErrorRate = 0.5

// Store is the configured status store plus the connection it owns.
type Store struct {
	storage.StatusStore
	DB    *postgres.DB
	redis *redisclient.Client
}

// OpenStore connects the status store selected by store.driver.
func OpenStore(ctx context.Context, cfg *config.AppConfig) (*Store, error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("Using PostgreSQL storage")
		return &Store{StatusStore: postgres.NewStatusStore(db), DB: db}, nil

	case config.StoreMemory:
		slog.Warn("Using memory storage; status is not shared between workers")
		return &Store{StatusStore: memory.NewStatusStore()}, nil

	default:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis storage", "ttl", cfg.Store.TTL)
		return &Store{StatusStore: redisclient.NewStatusStore(client, cfg.Store.TTL), redis: client}, nil
	}
}

// Close closes the store and its connection.
func (s *Store) Close() error {
	err := s.StatusStore.Close()
	if s.redis != nil {
		err = errors.Join(err, s.redis.Close())
	}
	return err
}

// Nodes is the settlement registry together with the node clients behind it.
type Nodes struct {
	Registry *settlement.Registry
	clients  map[domain.Currency]*rpc.HTTPClient
}

// BuildNodes creates one node client and backend per configured currency.
func BuildNodes(currencies []config.CurrencyConfig) (*Nodes, error) {
	n := &Nodes{
		Registry: settlement.NewRegistry(),
		clients:  make(map[domain.Currency]*rpc.HTTPClient),
	}
	for _, cc := range currencies {
		backend, client, err := newBackend(cc)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		if err := n.Registry.Register(backend, cc.Retry); err != nil {
			_ = client.Close()
			_ = n.Close()
			return nil, err
		}
		n.clients[cc.Currency] = client
		slog.Info("Settlement backend registered",
			"currency", cc.Currency,
			"url", cc.URL,
			"retries", cc.Retry.Retries,
		)
	}
	return n, nil
}

func newBackend(cc config.CurrencyConfig) (settlement.Backend, *rpc.HTTPClient, error) {
	name := string(cc.Currency)
	switch cc.Currency {
	case domain.CurrencyETH:
		client := rpc.NewHTTPClient(name, cc.URL, rpc.DialectJSONRPC20, cc.RequestTimeout)
		return ethereum.New(client, ethereum.Config{
			From:                cc.Account,
			GasLimit:            cc.GasLimit,
			ConfirmationTimeout: cc.ConfirmationTimeout,
			PollInterval:        cc.PollInterval,
		}), client, nil
	case domain.CurrencyBTC:
		client := rpc.NewHTTPClient(name, cc.URL, rpc.DialectJSONRPC10, cc.RequestTimeout)
		return bitcoin.New(client, bitcoin.Config{
			FeeTarget:           cc.FeeTarget,
			Confirmations:       cc.Confirmations,
			ConfirmationTimeout: cc.ConfirmationTimeout,
			PollInterval:        cc.PollInterval,
		}), client, nil
	case domain.CurrencyXRP:
		client := rpc.NewHTTPClient(name, cc.URL, rpc.DialectRippled, cc.RequestTimeout)
		return ripple.New(client, ripple.Config{
			Account:             cc.Account,
			Secret:              cc.Secret,
			ConfirmationTimeout: cc.ConfirmationTimeout,
			PollInterval:        cc.PollInterval,
		}), client, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", settlement.ErrUnsupportedCurrency, cc.Currency)
	}
}

// Checks reports each node as degraded while its error rate is high.
func (n *Nodes) Checks() []api.Check {
	checks := make([]api.Check, 0, len(n.clients))
	for _, cur := range n.Registry.Currencies() {
		client := n.clients[cur]
		checks = append(checks, api.Check{
			Name: "node:" + string(cur),
			Probe: func(context.Context) error {
				if rate := client.ErrorRate(); rate > maxNodeErrorRate {
					return fmt.Errorf("error rate %.0f%%", rate*100)
				}
				return nil
			},
		})
	}
	return checks
}

// Close releases all node clients.
func (n *Nodes) Close() error {
	var errs []error
	for _, c := range n.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
