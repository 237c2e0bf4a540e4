package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestWOC(baseURL string) *WOCClient {
	return New(Config{BaseURL: baseURL, RateLimit: time.Millisecond}, quietLogger())
}

// pagedServer serves `pages` full pages of 100 items each, chaining tokens,
// with no token on the last page.
func pagedServer(t *testing.T, pages int, requests *int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*requests++
		pageNum := 0
		if token := r.URL.Query().Get("token"); token != "" {
			n, err := strconv.Atoi(token)
			if err != nil {
				t.Errorf("bad token %q", token)
			}
			pageNum = n
		}

		page := historyPage{}
		for i := 0; i < 100; i++ {
			page.Result = append(page.Result, HistoryItem{
				TxHash: fmt.Sprintf("tx-%d-%d", pageNum, i),
				Height: int64(700000 + pageNum),
			})
		}
		if pageNum < pages-1 {
			page.NextPageToken = strconv.Itoa(pageNum + 1)
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
}

func TestPaginationStopsAtMax(t *testing.T) {
	requests := 0
	srv := pagedServer(t, 10, &requests)
	defer srv.Close()

	items, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 500)
	if err != nil {
		t.Fatalf("ConfirmedHistory() error = %v", err)
	}
	if len(items) != 500 {
		t.Errorf("len(items) = %d, want 500", len(items))
	}
	// 5 full pages reach the cap; a sixth page is never requested.
	if requests != 5 {
		t.Errorf("requests = %d, want 5", requests)
	}
}

func TestPaginationStopsWithoutToken(t *testing.T) {
	requests := 0
	srv := pagedServer(t, 3, &requests)
	defer srv.Close()

	items, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 10000)
	if err != nil {
		t.Fatalf("ConfirmedHistory() error = %v", err)
	}
	if len(items) != 300 {
		t.Errorf("len(items) = %d, want 300", len(items))
	}
	if requests != 3 {
		t.Errorf("requests = %d, want 3", requests)
	}
}

func TestShortPageEndsPagination(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		page := historyPage{NextPageToken: "more"} // token present but page is short
		for i := 0; i < 40; i++ {
			page.Result = append(page.Result, HistoryItem{TxHash: fmt.Sprintf("tx-%d", i)})
		}
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	items, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 500)
	if err != nil {
		t.Fatalf("ConfirmedHistory() error = %v", err)
	}
	if len(items) != 40 || requests != 1 {
		t.Errorf("items=%d requests=%d, want 40 and 1", len(items), requests)
	}
}

func TestNotFoundMeansEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	items, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1unknown", 500)
	if err != nil {
		t.Fatalf("ConfirmedHistory() error = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("len(items) = %d, want 0", len(items))
	}
}

func TestRateLimitedAndUpstreamErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	_, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 500)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}

	status = http.StatusBadGateway
	_, err = newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 500)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusBadGateway {
		t.Errorf("error = %v, want UpstreamError 502", err)
	}
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(historyPage{})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sekrit", RateLimit: time.Millisecond}, quietLogger())
	if _, err := c.ConfirmedHistory(context.Background(), "1addr", 10); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "sekrit" {
		t.Errorf("Authorization = %q, want sekrit", gotAuth)
	}

	// No key configured: header absent.
	gotAuth = "unset"
	if _, err := newTestWOC(srv.URL).ConfirmedHistory(context.Background(), "1addr", 10); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "" {
		t.Errorf("Authorization = %q, want empty", gotAuth)
	}
}

func TestRequestSpacing(t *testing.T) {
	requests := 0
	srv := pagedServer(t, 3, &requests)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, RateLimit: 30 * time.Millisecond}, quietLogger())
	start := time.Now()
	if _, err := c.ConfirmedHistory(context.Background(), "1addr", 10000); err != nil {
		t.Fatal(err)
	}
	// 3 requests with 30ms spacing: at least two waits after the first.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 60ms for paced requests", elapsed)
	}
}
