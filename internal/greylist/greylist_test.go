package greylist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"

	"github.com/easydns/chapps/internal/cachestore"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
	"github.com/easydns/chapps/internal/testlib"
)

func testEngine(t *testing.T, greylist, exists bool, domainCalls int) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := cachestore.NewFromClient(rdb)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := configstore.NewFromDB(db)

	for i := 0; i < domainCalls; i++ {
		rows := sqlmock.NewRows([]string{"greylist", "check_spf"})
		if exists {
			rows.AddRow(greylist, false)
		}
		mock.ExpectQuery("SELECT greylist, check_spf FROM domains").WillReturnRows(rows)
	}

	cfg := config.Greylisting{
		EngineCommon: config.EngineCommon{AcceptanceMessage: "DUNNO", RejectionMessage: "DEFER_IF_PERMIT Greylisted"},
		MinimumDeferral: 60,
		CacheTTL:        24 * 3600,
	}
	return New(cache, store, cfg), mock
}

func TestFirstSeenTripletDefers(t *testing.T) {
	e, _ := testEngine(t, true, true, 1)
	rec := testlib.MustRecord(t, "instance=i1\nclient_address=1.2.3.4\nsender=a@b\nrecipient=c@d\n\n")

	accept, err := e.Admit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if accept {
		t.Errorf("Admit() = true, want false for an unseen triplet")
	}
}

func TestPassThroughWhenDomainDoesNotGreylist(t *testing.T) {
	e, _ := testEngine(t, false, true, 1)
	rec := testlib.MustRecord(t, "instance=i1\nclient_address=1.2.3.4\nsender=a@b\nrecipient=c@d\n\n")

	accept, err := e.Admit(context.Background(), rec)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if !accept {
		t.Errorf("Admit() = false, want true when greylist flag is off")
	}
}

func TestRetryPastDeferralAccepts(t *testing.T) {
	e, _ := testEngine(t, true, true, 2)
	e.cfg.MinimumDeferral = 0 // any retry, however soon, should now pass

	ctx := context.Background()
	rec := testlib.MustRecord(t, "instance=i1\nclient_address=1.2.3.4\nsender=a@b\nrecipient=c@d\n\n")

	// first contact: deferred
	if accept, err := e.Admit(ctx, rec); err != nil || accept {
		t.Fatalf("first Admit() = (%v, %v), want (false, nil)", accept, err)
	}

	rec2 := testlib.MustRecord(t, "instance=i2\nclient_address=1.2.3.4\nsender=a@b\nrecipient=c@d\n\n")
	time.Sleep(5 * time.Millisecond)
	accept, err := e.Admit(ctx, rec2)
	if err != nil {
		t.Fatalf("second Admit() error: %v", err)
	}
	if !accept {
		t.Errorf("second Admit() = false, want true on retry past minimum_deferral")
	}
}

func TestInstanceMemoization(t *testing.T) {
	e, _ := testEngine(t, true, true, 2)
	rec := testlib.MustRecord(t, "instance=i1\nclient_address=1.2.3.4\nsender=a@b\nrecipient=c@d\n\n")

	ctx := context.Background()
	first, err := e.Admit(ctx, rec)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	second, err := e.Admit(ctx, rec)
	if err != nil {
		t.Fatalf("Admit() error: %v", err)
	}
	if first != second {
		t.Errorf("Admit() = %v then %v for the same instance, want identical", first, second)
	}
}
