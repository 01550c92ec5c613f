package turnstile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/database"
	"github.com/HereLiesHugo/KeySocket-v2-sub000/internal/session"
)

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	if err := database.InitAt(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store, err := session.NewStore(time.Hour)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, ttl time.Duration) (*Service, *session.Store) {
	store := newTestStore(t)
	svc := NewService(Config{
		Secret:         "test-secret",
		TokenTTL:       ttl,
		MaxRetries:     1,
		RequestTimeout: 2 * time.Second,
	}, store)
	return svc, store
}

func seedSession(t *testing.T, store *session.Store, sid string) *session.Record {
	t.Helper()
	rec := &session.Record{User: &session.User{ID: "u1", Email: "u1@example.com"}}
	if err := store.Set(context.Background(), sid, rec); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return rec
}

func TestIssueAndConsume(t *testing.T) {
	svc, store := newTestService(t, time.Minute)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, ttl, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(token) != TokenBytes*2 {
		t.Errorf("token length = %d, want %d", len(token), TokenBytes*2)
	}
	if ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
	if svc.IndexSize() != 1 {
		t.Errorf("index size = %d, want 1", svc.IndexSize())
	}

	if !svc.Consume(ctx, "sid1", token, "203.0.113.1") {
		t.Fatal("valid consume failed")
	}
	if svc.IndexSize() != 0 {
		t.Errorf("index size after consume = %d, want 0", svc.IndexSize())
	}

	// Token is gone from the record as well.
	got, err := store.Get(ctx, "sid1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Token != "" {
		t.Error("token survived in session record after consume")
	}

	// Second presentation loses.
	if svc.Consume(ctx, "sid1", token, "203.0.113.1") {
		t.Fatal("replayed token was accepted")
	}
}

func TestConsumeRejectsWrongIP(t *testing.T) {
	svc, store := newTestService(t, time.Minute)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if svc.Consume(ctx, "sid1", token, "198.51.100.9") {
		t.Fatal("token consumed from a different IP")
	}
	// The failed attempt must not burn the token.
	if !svc.Consume(ctx, "sid1", token, "203.0.113.1") {
		t.Fatal("token no longer valid from the issuing IP")
	}
}

func TestConsumeRejectsExpired(t *testing.T) {
	svc, store := newTestService(t, 10*time.Millisecond)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if svc.Consume(ctx, "sid1", token, "203.0.113.1") {
		t.Fatal("expired token was accepted")
	}
}

func TestConsumeRejectsGarbage(t *testing.T) {
	svc, store := newTestService(t, time.Minute)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if svc.Consume(ctx, "sid1", "", "203.0.113.1") {
		t.Error("empty token accepted")
	}
	if svc.Consume(ctx, "sid1", "short", "203.0.113.1") {
		t.Error("short token accepted")
	}
	if svc.Consume(ctx, "nosuchsid", token, "203.0.113.1") {
		t.Error("unknown session accepted")
	}
	flipped := "0" + token[1:]
	if flipped == token {
		flipped = "1" + token[1:]
	}
	if svc.Consume(ctx, "sid1", flipped, "203.0.113.1") {
		t.Error("near-miss token accepted")
	}
}

func TestIssueOverwritesPrevious(t *testing.T) {
	svc, store := newTestService(t, time.Minute)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	first, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	second, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if svc.IndexSize() != 1 {
		t.Errorf("index size = %d, want 1 after reissue", svc.IndexSize())
	}
	if svc.Consume(ctx, "sid1", first, "203.0.113.1") {
		t.Fatal("superseded token was accepted")
	}
	if !svc.Consume(ctx, "sid1", second, "203.0.113.1") {
		t.Fatal("current token rejected")
	}
}

func TestConsumeParallelOneWinner(t *testing.T) {
	svc, store := newTestService(t, time.Minute)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if svc.Consume(ctx, "sid1", token, "203.0.113.1") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}

func TestSweepClearsExpired(t *testing.T) {
	svc, store := newTestService(t, 10*time.Millisecond)
	ctx := context.Background()
	rec := seedSession(t, store, "sid1")

	token, _, err := svc.Issue(ctx, "sid1", rec, "203.0.113.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if n := svc.Sweep(ctx); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if svc.IndexSize() != 0 {
		t.Errorf("index size after sweep = %d", svc.IndexSize())
	}
	got, err := store.Get(ctx, "sid1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Token == token || got.Token != "" {
		t.Error("expired token survived in session record")
	}
}

func TestVerify(t *testing.T) {
	svc, _ := newTestService(t, time.Minute)

	t.Run("missing secret", func(t *testing.T) {
		bare := NewService(Config{RequestTimeout: time.Second}, nil)
		if err := bare.Verify(context.Background(), "tok", ""); !errors.Is(err, ErrMissingSecret) {
			t.Errorf("err = %v, want ErrMissingSecret", err)
		}
	})

	t.Run("empty client token", func(t *testing.T) {
		if err := svc.Verify(context.Background(), "", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			if r.PostForm.Get("secret") != "test-secret" || r.PostForm.Get("response") != "client-tok" {
				t.Errorf("unexpected form: %v", r.PostForm)
			}
			w.Write([]byte(`{"success": true}`))
		}))
		defer ts.Close()

		svc.cfg.VerifyURL = ts.URL
		if err := svc.Verify(context.Background(), "client-tok", "203.0.113.1"); err != nil {
			t.Errorf("Verify: %v", err)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success": false, "error-codes": ["invalid-input-response"]}`))
		}))
		defer ts.Close()

		svc.cfg.VerifyURL = ts.URL
		if err := svc.Verify(context.Background(), "client-tok", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("err = %v, want ErrRejected", err)
		}
	})

	t.Run("5xx then success retries", func(t *testing.T) {
		var calls int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"success": true}`))
		}))
		defer ts.Close()

		svc.cfg.VerifyURL = ts.URL
		if err := svc.Verify(context.Background(), "client-tok", ""); err != nil {
			t.Errorf("Verify after retry: %v", err)
		}
		if atomic.LoadInt32(&calls) != 2 {
			t.Errorf("provider calls = %d, want 2", calls)
		}
	})

	t.Run("persistent 5xx", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		svc.cfg.VerifyURL = ts.URL
		if err := svc.Verify(context.Background(), "client-tok", ""); !errors.Is(err, ErrProvider) {
			t.Errorf("err = %v, want ErrProvider", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer ts.Close()

		svc.cfg.VerifyURL = ts.URL
		if err := svc.Verify(context.Background(), "client-tok", ""); !errors.Is(err, ErrProviderResponse) {
			t.Errorf("err = %v, want ErrProviderResponse", err)
		}
	})
}

func TestRecheck(t *testing.T) {
	if !Recheck("abc123", "abc123") {
		t.Error("matching tokens rejected")
	}
	if Recheck("abc123", "abc124") {
		t.Error("mismatched tokens accepted")
	}
	if Recheck("", "") {
		t.Error("empty tokens accepted")
	}
	if Recheck("abc123", "abc1234") {
		t.Error("length mismatch accepted")
	}
}
