// Command simulate drives the ledger against Postgres and a chaotic sandbox
// provider: duplicate captures, lost responses, out-of-order registry events
// and a reminder run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"club-dues/internal/billing"
	"club-dues/internal/config"
	"club-dues/internal/database"
	"club-dues/internal/domain"
	"club-dues/internal/infrastructure/messaging"
	"club-dues/internal/infrastructure/payment"
	"club-dues/internal/logger"
	"club-dues/internal/repo"
	"club-dues/internal/service"
	"club-dues/internal/worker"

	"go.uber.org/zap"
)

const members = 8

func main() {
	if os.Getenv("PAYMENT_PROVIDER") == "" {
		os.Setenv("PAYMENT_PROVIDER", "sandbox")
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zlog.Sync()

	ctx := context.Background()
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL())
	if err != nil {
		zlog.Fatal("connect", zap.Error(err))
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		zlog.Fatal("migrate", zap.Error(err))
	}

	paymentRepo := repo.NewPaymentRepo(db)
	accountRepo := repo.NewAccountRepo(db)
	calc := billing.NewCalculator(cfg.MonthlyFee)
	publisher := messaging.NewLogPublisher(zlog)
	gateway := payment.NewSandboxGateway().WithChaos().WithLatency(50 * time.Millisecond)

	ledger := service.NewLedger(
		database.NewTxRunner(db), paymentRepo, accountRepo, gateway, publisher, calc,
		service.LedgerConfig{Provider: "sandbox", Currency: cfg.Currency, GatewayTimeout: time.Second},
		zlog,
	)
	mirror := service.NewAccountMirror(accountRepo, zlog)

	run := time.Now().UnixNano()
	userIDs := seedMembers(ctx, mirror, run)

	fmt.Printf("--- CHECKOUT + DUPLICATE CAPTURES (%d MEMBERS) ---\n", len(userIDs))
	period := domain.PeriodOf(time.Now())
	for i, userID := range userIDs {
		res, err := ledger.Checkout(ctx, userID, []domain.Period{period}, cfg.Currency)
		if err != nil {
			fmt.Printf("[%d] %s checkout FAILED: %v\n", i+1, userID, err)
			continue
		}
		orderID := res.Payment.ProviderOrderID

		// the provider return URL and a retrying browser race each other
		var wg sync.WaitGroup
		results := make([]string, 3)
		for n := range results {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				p, err := ledger.Capture(ctx, orderID)
				switch {
				case err != nil:
					results[n] = "error: " + err.Error()
				default:
					results[n] = string(p.Status)
				}
			}(n)
		}
		wg.Wait()

		fmt.Printf("[%d] %s order %s captures=%v\n", i+1, userID, orderID, results)
		fmt.Println("    -> " + describeOrder(ctx, paymentRepo, gateway, orderID))
	}

	fmt.Println("--- RECONCILIATION ---")
	reconcileCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	worker.NewReconciliationWorker(ledger, worker.ReconciliationConfig{
		Interval:    500 * time.Millisecond,
		StaleAfter:  0,
		ExpireAfter: time.Hour,
	}, zlog).Run(reconcileCtx)
	cancel()

	for _, userID := range userIDs {
		history, err := ledger.History(ctx, userID)
		if err != nil {
			zlog.Error("history", zap.Error(err))
			continue
		}
		for _, p := range history {
			fmt.Printf("%s %s %s %s\n", userID, p.ProviderOrderID, p.Status, p.Total.StringFixed(2))
		}
	}

	fmt.Println("--- REMINDERS ---")
	reminders := worker.NewReminderScheduler(accountRepo, paymentRepo, repo.NewReminderLogRepo(db), publisher, calc, zlog)
	report, err := reminders.RunOnce(ctx)
	if err != nil {
		zlog.Error("reminder run", zap.Error(err))
	}
	fmt.Printf("scanned=%d reminded=%d nothing_owed=%d already_sent=%d failed=%d\n",
		report.Scanned, report.Reminded, report.NothingOwed, report.AlreadySent, report.Failed)
	fmt.Printf("provider capture calls: %d\n", gateway.Captures())
}

type paymentFinder interface {
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.Payment, error)
}

// describeOrder puts the ledger status next to what the provider recorded.
func describeOrder(ctx context.Context, payments paymentFinder, gateway *payment.SandboxGateway, orderID string) string {
	p, err := payments.FindByProviderOrderID(ctx, orderID)
	switch {
	case err != nil:
		return fmt.Sprintf("DB lookup failed: %v", err)
	case p == nil:
		return "DB status: missing"
	}
	return fmt.Sprintf("DB status: %s, provider captured: %v", p.Status, gateway.Captured(orderID))
}

// seedMembers replays registry events the way a broker may deliver them:
// duplicated, and with a late create arriving after the delete.
func seedMembers(ctx context.Context, mirror *service.AccountMirror, run int64) []string {
	registered := time.Now().AddDate(0, -3, 0).Format("2006-01-02")
	var ids []string
	for i := 0; i < members; i++ {
		id := fmt.Sprintf("sim-%d-%d", run, i)
		created := domain.IdentityEvent{
			Type:             domain.EventAccountCreated,
			UserID:           id,
			Email:            fmt.Sprintf("member%d@club.test", i),
			Username:         fmt.Sprintf("member%d", i),
			ClubID:           "club-1",
			ClubName:         "Simulated Club",
			RegistrationDate: registered,
			Version:          1,
		}
		for range 2 {
			if err := mirror.Apply(ctx, created); err != nil {
				log.Printf("apply %s: %v", id, err)
			}
		}
		ids = append(ids, id)
	}

	gone := ids[len(ids)-1]
	events := []domain.IdentityEvent{
		{Type: domain.EventAccountDeleted, UserID: gone, Version: 2},
		{Type: domain.EventAccountCreated, UserID: gone, Email: "late@club.test", RegistrationDate: registered, Version: 1},
	}
	for _, ev := range events {
		if err := mirror.Apply(ctx, ev); err != nil && !errors.Is(err, domain.ErrSuperseded) {
			log.Printf("apply %s %s: %v", ev.Type, ev.UserID, err)
		}
	}
	return ids
}
