package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-exchange/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) HandleEvent(evt types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func assertAccount(t *testing.T, l *Ledger, user, currency, available, locked string) {
	t.Helper()
	acc := l.Balance(user, currency)
	if !acc.Available.Equal(d(available)) || !acc.Locked.Equal(d(locked)) {
		t.Errorf("%s %s: available=%s locked=%s, want %s/%s",
			user, currency, acc.Available, acc.Locked, available, locked)
	}
	if !acc.Balance.Equal(acc.Available.Add(acc.Locked)) {
		t.Errorf("%s %s: balance %s != available + locked", user, currency, acc.Balance)
	}
	if acc.Available.IsNegative() || acc.Locked.IsNegative() {
		t.Errorf("%s %s: negative field %+v", user, currency, acc)
	}
}

func deposit(t *testing.T, l *Ledger, user, currency, amount string) {
	t.Helper()
	ref := fmt.Sprintf("dep-%s-%s-%s", user, currency, amount)
	if _, _, err := l.Credit(ref, user, currency, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestReserveAndRelease(t *testing.T) {
	l := New("fees")
	deposit(t, l, "alice", "BTC", "1.0")

	if err := l.Reserve("alice", "BTC", d("0.7"), "o1"); err != nil {
		t.Fatal(err)
	}
	assertAccount(t, l, "alice", "BTC", "0.3", "0.7")

	err := l.Reserve("alice", "BTC", d("0.5"), "o2")
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}
	assertAccount(t, l, "alice", "BTC", "0.3", "0.7")

	if err := l.Release("alice", "BTC", d("0.2"), "o1"); err != nil {
		t.Fatal(err)
	}
	assertAccount(t, l, "alice", "BTC", "0.5", "0.5")

	err = l.Release("alice", "BTC", d("0.6"), "o1")
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("err = %v, want invariant violation", err)
	}
	assertAccount(t, l, "alice", "BTC", "0.5", "0.5")
}

func TestReserveZeroIsNoop(t *testing.T) {
	l := New("fees")
	c := &collector{}
	l.AddHandler(c)

	if err := l.Reserve("bob", "USD", decimal.Zero, "o1"); err != nil {
		t.Fatal(err)
	}
	if c.count() != 0 {
		t.Errorf("zero reservation emitted %d events", c.count())
	}
}

func TestSettlePartialFillScenario(t *testing.T) {
	l := New("fees")
	deposit(t, l, "A", "BTC", "1.0")
	deposit(t, l, "B", "USD", "25000")

	if err := l.Reserve("A", "BTC", d("1.0"), "sell"); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("B", "USD", d("20040"), "buy"); err != nil {
		t.Fatal(err)
	}

	err := l.Settle(Settlement{
		Reference:     "t1",
		Buyer:         "B",
		Seller:        "A",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		Quantity:      d("0.4"),
		Price:         d("50000"),
		BuyerFee:      d("40"),
		SellerFee:     d("20"),
	})
	if err != nil {
		t.Fatal(err)
	}

	assertAccount(t, l, "A", "BTC", "0", "0.6")
	assertAccount(t, l, "A", "USD", "19980", "0")
	assertAccount(t, l, "B", "BTC", "0.4", "0")
	assertAccount(t, l, "B", "USD", "4960", "0")
	assertAccount(t, l, "fees", "USD", "60", "0")

	if !l.Total("USD").Equal(d("25000")) || !l.Total("BTC").Equal(d("1.0")) {
		t.Errorf("totals changed: USD=%s BTC=%s", l.Total("USD"), l.Total("BTC"))
	}
}

func TestSettleIsAllOrNothing(t *testing.T) {
	l := New("fees")
	deposit(t, l, "A", "BTC", "1")
	deposit(t, l, "B", "USD", "100")
	_ = l.Reserve("A", "BTC", d("1"), "sell")
	_ = l.Reserve("B", "USD", d("50"), "buy")

	c := &collector{}
	l.AddHandler(c)

	err := l.Settle(Settlement{
		Reference:     "t1",
		Buyer:         "B",
		Seller:        "A",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		Quantity:      d("1"),
		Price:         d("60"),
		BuyerFee:      decimal.Zero,
		SellerFee:     decimal.Zero,
	})
	if !errors.Is(err, types.ErrInvariantViolation) {
		t.Fatalf("err = %v, want invariant violation", err)
	}

	assertAccount(t, l, "A", "BTC", "0", "1")
	assertAccount(t, l, "B", "USD", "50", "50")
	assertAccount(t, l, "B", "BTC", "0", "0")
	assertAccount(t, l, "fees", "USD", "0", "0")
	if c.count() != 0 {
		t.Errorf("failed settle emitted %d events", c.count())
	}
}

func TestSettleSelfTrade(t *testing.T) {
	l := New("fees")
	deposit(t, l, "A", "BTC", "1")
	deposit(t, l, "A", "USD", "100")
	_ = l.Reserve("A", "BTC", d("1"), "sell")
	_ = l.Reserve("A", "USD", d("100"), "buy")

	err := l.Settle(Settlement{
		Reference: "t1", Buyer: "A", Seller: "A",
		BaseCurrency: "BTC", QuoteCurrency: "USD",
		Quantity: d("1"), Price: d("100"),
		BuyerFee: decimal.Zero, SellerFee: decimal.Zero,
	})
	if err != nil {
		t.Fatal(err)
	}
	assertAccount(t, l, "A", "BTC", "1", "0")
	assertAccount(t, l, "A", "USD", "100", "0")
}

func TestCreditDebitIdempotency(t *testing.T) {
	l := New("fees")

	tr, applied, err := l.Credit("tx-1", "carol", "ETH", d("5"))
	if err != nil || !applied {
		t.Fatalf("first credit: applied=%v err=%v", applied, err)
	}
	if tr.Kind != types.Deposit {
		t.Errorf("kind = %s", tr.Kind)
	}

	_, applied, err = l.Credit("tx-1", "carol", "ETH", d("5"))
	if err != nil || applied {
		t.Fatalf("replayed credit: applied=%v err=%v", applied, err)
	}
	assertAccount(t, l, "carol", "ETH", "5", "0")

	_, _, err = l.Credit("tx-1", "carol", "ETH", d("6"))
	if !errors.Is(err, types.ErrIdempotencyConflict) {
		t.Fatalf("err = %v, want idempotency conflict", err)
	}

	_, _, err = l.Debit("wd-1", "carol", "ETH", d("7"))
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}

	// a refused withdrawal does not consume its reference
	_, applied, err = l.Debit("wd-1", "carol", "ETH", d("2"))
	if err != nil || !applied {
		t.Fatalf("debit: applied=%v err=%v", applied, err)
	}
	_, applied, _ = l.Debit("wd-1", "carol", "ETH", d("2"))
	if applied {
		t.Error("replayed debit applied twice")
	}
	assertAccount(t, l, "carol", "ETH", "3", "0")
}

func TestCreditRejectsNonPositive(t *testing.T) {
	l := New("fees")
	for _, amount := range []string{"0", "-1"} {
		_, _, err := l.Credit("ref-"+amount, "dave", "USD", d(amount))
		if !errors.Is(err, types.ErrInvalidAmount) {
			t.Errorf("amount %s: err = %v", amount, err)
		}
	}
}

func TestBalancesSortedByCurrency(t *testing.T) {
	l := New("fees")
	deposit(t, l, "erin", "USD", "1")
	deposit(t, l, "erin", "BTC", "1")
	deposit(t, l, "erin", "ETH", "1")

	got := l.Balances("erin")
	if len(got) != 3 || got[0].Currency != "BTC" || got[1].Currency != "ETH" || got[2].Currency != "USD" {
		t.Errorf("balances = %+v", got)
	}
	if len(l.Balances("nobody")) != 0 {
		t.Error("unknown user should have no balances")
	}
}

func TestConcurrentSettlementsConserveTotals(t *testing.T) {
	l := New("fees")
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		deposit(t, l, u, "BTC", "100")
		deposit(t, l, u, "USD", "1000000")
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		buyer, seller := users[i%4], users[(i+1)%4]
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref := fmt.Sprintf("t%d", i)
			if err := l.Reserve(seller, "BTC", d("0.1"), ref); err != nil {
				t.Error(err)
				return
			}
			if err := l.Reserve(buyer, "USD", d("1001"), ref); err != nil {
				t.Error(err)
				return
			}
			err := l.Settle(Settlement{
				Reference: ref, Buyer: buyer, Seller: seller,
				BaseCurrency: "BTC", QuoteCurrency: "USD",
				Quantity: d("0.1"), Price: d("10000"),
				BuyerFee: d("1"), SellerFee: d("1"),
			})
			if err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	if !l.Total("BTC").Equal(d("400")) {
		t.Errorf("BTC total = %s", l.Total("BTC"))
	}
	if !l.Total("USD").Equal(d("4000000")) {
		t.Errorf("USD total = %s", l.Total("USD"))
	}
	assertAccount(t, l, "fees", "USD", "400", "0")
	for _, u := range users {
		for _, acc := range l.Balances(u) {
			if !acc.Locked.IsZero() {
				t.Errorf("%s %s still locked %s", u, acc.Currency, acc.Locked)
			}
		}
	}
}

func TestBalanceChangedEvents(t *testing.T) {
	l := New("fees")
	c := &collector{}
	l.AddHandler(c)

	deposit(t, l, "frank", "USD", "10")
	_ = l.Reserve("frank", "USD", d("4"), "o1")

	if c.count() != 2 {
		t.Fatalf("events = %d, want 2", c.count())
	}
	last := c.events[1].(types.BalanceChanged)
	if !last.Account.Locked.Equal(d("4")) || last.Account.UserID != "frank" {
		t.Errorf("last event = %+v", last.Account)
	}
}

func TestAccountVersionIncreasesPerChange(t *testing.T) {
	l := New("fees")
	c := &collector{}
	l.AddHandler(c)

	deposit(t, l, "hana", "USD", "100")
	deposit(t, l, "ivan", "BTC", "1")
	_ = l.Reserve("hana", "USD", d("50"), "buy")
	_ = l.Reserve("ivan", "BTC", d("1"), "sell")
	_ = l.Release("hana", "USD", d("10"), "buy")

	if got := l.Balance("hana", "USD").Version; got != 3 {
		t.Errorf("hana USD version = %d, want 3", got)
	}

	err := l.Settle(Settlement{
		Reference:     "t1",
		Buyer:         "hana",
		Seller:        "ivan",
		BaseCurrency:  "BTC",
		QuoteCurrency: "USD",
		Quantity:      d("1"),
		Price:         d("40"),
		BuyerFee:      decimal.Zero,
		SellerFee:     decimal.Zero,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	last := map[string]uint64{}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, evt := range c.events {
		acc := evt.(types.BalanceChanged).Account
		key := acc.UserID + "/" + acc.Currency
		if acc.Version <= last[key] {
			t.Errorf("%s version %d not above previous %d", key, acc.Version, last[key])
		}
		last[key] = acc.Version
	}
	if last["hana/USD"] != 4 {
		t.Errorf("hana USD after settle = %d, want 4", last["hana/USD"])
	}
}

func TestJournalEnqueueDoesNotBlock(t *testing.T) {
	writer := NewJournalWriter(NewDatabase(newTestDB(t)))
	l := New("fees", WithJournal(writer))
	deposit(t, l, "jo", "USD", "1000000")

	const reserves = journalBuffer + 904
	done := make(chan struct{})
	go func() {
		for i := 0; i < reserves; i++ {
			_ = l.Reserve("jo", "USD", d("1"), fmt.Sprintf("o%d", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Reserve blocked on a full journal queue")
	}

	// the deposit queued a transfer and an entry
	if got, want := writer.Dropped(), int64(reserves+2-journalBuffer); got != want {
		t.Errorf("dropped = %d, want %d", got, want)
	}
	assertAccount(t, l, "jo", "USD", fmt.Sprint(1000000-reserves), fmt.Sprint(reserves))
}

func TestJournalDrainStopsAtDeadline(t *testing.T) {
	writer := NewJournalWriter(NewDatabase(newTestDB(t)))
	writer.drainTimeout = 0
	for i := 0; i < 10; i++ {
		writer.Append(Entry{UserID: "kim", Currency: "USD", Kind: EntryReserve})
	}

	done := make(chan struct{})
	go func() {
		writer.drain()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not return after its deadline")
	}
	if writer.Pending() != 10 {
		t.Errorf("pending = %d, want 10 left after an expired deadline", writer.Pending())
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&Entry{}, &ExternalTransfer{}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestJournalWriterPersistsEntries(t *testing.T) {
	db := NewDatabase(newTestDB(t))
	writer := NewJournalWriter(db)
	l := New("fees", WithJournal(writer))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		writer.Run(ctx)
		close(done)
	}()

	deposit(t, l, "gina", "USD", "50")
	_ = l.Reserve("gina", "USD", d("20"), "o1")
	cancel()
	<-done

	entries, err := db.GetUserEntries("gina", "USD", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Kind != EntryReserve || !entries[0].LockedDelta.Equal(d("20")) {
		t.Errorf("newest entry = %+v", entries[0])
	}

	tr, err := db.GetTransfer("dep-gina-USD-50")
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Amount.Equal(d("50")) || tr.Kind != string(types.Deposit) {
		t.Errorf("transfer = %+v", tr)
	}
}
