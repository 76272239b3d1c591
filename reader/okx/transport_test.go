package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestValidateInstruments(t *testing.T) {
	var gotAgent, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT"},{"instId":"ETH-USDT"}]}`))
	}))
	defer srv.Close()

	client := NewHTTPClient("", time.Second)
	valid, unknown, err := ValidateInstruments(context.Background(), client, srv.URL, "SPOT", []string{"BTC-USDT", "DOGE-XYZ", "ETH-USDT"})
	if err != nil {
		t.Fatalf("ValidateInstruments: %v", err)
	}
	if strings.Join(valid, ",") != "BTC-USDT,ETH-USDT" {
		t.Fatalf("unexpected valid: %v", valid)
	}
	if len(unknown) != 1 || unknown[0] != "DOGE-XYZ" {
		t.Fatalf("unexpected unknown: %v", unknown)
	}
	if gotQuery != "instType=SPOT" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAgent != "okxflow/1.0" {
		t.Fatalf("unexpected user agent %q", gotAgent)
	}
}

func TestValidateInstrumentsErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"http status", http.StatusBadGateway, ``},
		{"api code", http.StatusOK, `{"code":"51000","msg":"Parameter instType error","data":[]}`},
		{"bad json", http.StatusOK, `{"code":`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				w.Write([]byte(c.body))
			}))
			defer srv.Close()

			_, _, err := ValidateInstruments(context.Background(), NewHTTPClient("", time.Second), srv.URL, "SPOT", []string{"BTC-USDT"})
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
