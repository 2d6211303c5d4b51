package control

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/settler/internal/core/config"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/processing"
	"github.com/vietddude/settler/internal/settlement"
)

func loadConfig(t *testing.T, yaml string) *config.AppConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestBuildNodes(t *testing.T) {
	cfg := loadConfig(t, `
currencies:
  - currency: xrp
    url: http://localhost:5005
    account: rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe
  - currency: ETH
    url: http://localhost:8545
    account: "0x0000000000000000000000000000000000000001"
    retry:
      retries: 5
  - currency: BTC
    url: http://localhost:8332
`)
	nodes, err := BuildNodes(cfg.Currencies)
	if err != nil {
		t.Fatalf("BuildNodes failed: %v", err)
	}
	defer nodes.Close()

	got := nodes.Registry.Currencies()
	want := []domain.Currency{domain.CurrencyBTC, domain.CurrencyETH, domain.CurrencyXRP}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
	if p := nodes.Registry.Policy(domain.CurrencyETH); p.Retries != 5 {
		t.Errorf("expected ETH retries 5, got %d", p.Retries)
	}
	if _, ok := nodes.Registry.Resolve(domain.CurrencyBTC); ok != nil {
		t.Errorf("BTC should resolve: %v", ok)
	}
	if len(nodes.Checks()) != 3 {
		t.Errorf("expected one health check per node")
	}
}

func TestBuildNodes_Unsupported(t *testing.T) {
	_, err := BuildNodes([]config.CurrencyConfig{{Currency: "DOGE", URL: "http://localhost"}})
	if !errors.Is(err, settlement.ErrUnsupportedCurrency) {
		t.Errorf("expected ErrUnsupportedCurrency, got %v", err)
	}
}

func TestNodes_ChecksReportErrorRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	nodes, err := BuildNodes([]config.CurrencyConfig{{
		Currency:       domain.CurrencyETH,
		URL:            srv.URL,
		RequestTimeout: time.Second,
	}})
	if err != nil {
		t.Fatalf("BuildNodes failed: %v", err)
	}
	defer nodes.Close()

	check := nodes.Checks()[0]
	if check.Critical {
		t.Error("node checks must not be critical")
	}
	if err := check.Probe(context.Background()); err != nil {
		t.Errorf("unused node should be healthy, got %v", err)
	}

	backend, _ := nodes.Registry.Resolve(domain.CurrencyETH)
	_, _ = backend.GetBalance(context.Background(), "0x0000000000000000000000000000000000000001")

	err = check.Probe(context.Background())
	if err == nil || !strings.Contains(err.Error(), "error rate") {
		t.Errorf("expected error rate failure, got %v", err)
	}
}

func TestOpenStore_Memory(t *testing.T) {
	cfg := loadConfig(t, "store:\n  driver: memory\n")
	store, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.StatusStore.(storage.Pruner); !ok {
		t.Error("memory store should support pruning")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func TestNewWorker_UnreachableQueueIsFatal(t *testing.T) {
	cfg := loadConfig(t, `
store:
  driver: memory
queue:
  redis_url: redis://127.0.0.1:1/0
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := NewWorker(ctx, cfg)
	if err == nil {
		_ = w.Stop(ctx)
		t.Fatal("expected an error for an unreachable queue")
	}
	if !strings.Contains(err.Error(), "queue unavailable") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	failed := &processing.FailedError{PaymentID: "p1", Reason: "unsupported currency"}
	if !isTerminal(failed) {
		t.Error("failed payments are terminal")
	}
	if isTerminal(errors.New("connection reset")) {
		t.Error("transient errors are not terminal")
	}
}
