package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/orderline/possync/internal/schema"
)

func TestParseItem(t *testing.T) {
	tests := []struct {
		spec    string
		want    schema.LineItem
		wantErr bool
	}{
		{spec: "Latte:4.50", want: schema.LineItem{Name: "Latte", PriceCents: 450, Quantity: 1}},
		{spec: "Latte:4.5x2", want: schema.LineItem{Name: "Latte", PriceCents: 450, Quantity: 2}},
		{spec: "Flat white:3", want: schema.LineItem{Name: "Flat white", PriceCents: 300, Quantity: 1}},
		{spec: "Bagel: .99", want: schema.LineItem{Name: "Bagel", PriceCents: 99, Quantity: 1}},
		{spec: "Latte", wantErr: true},
		{spec: ":4.50", wantErr: true},
		{spec: "Latte:4.505", wantErr: true},
		{spec: "Latte:4.50x0", wantErr: true},
		{spec: "Latte:abc", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseItem(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseItem(%q) = %+v, want error", tt.spec, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseItem(%q) failed: %v", tt.spec, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("parseItem(%q) mismatch (-want +got):\n%s", tt.spec, diff)
		}
	}
}

func TestFormatCents(t *testing.T) {
	for c, want := range map[int64]string{0: "0.00", 5: "0.05", 450: "4.50", 12345: "123.45", -75: "-0.75"} {
		if got := formatCents(c); got != want {
			t.Errorf("formatCents(%d) = %q, want %q", c, got, want)
		}
	}
}

func TestResolveOrder(t *testing.T) {
	board := []*schema.Order{
		{ID: "a1b2c3d4-0001", OrderNumber: 1},
		{ID: "a1b2ffff-0002", OrderNumber: 2},
		{ID: "9f000000-0003", OrderNumber: 3},
	}
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "#2", want: "a1b2ffff-0002"},
		{ref: "#9", wantErr: true},
		{ref: "#x", wantErr: true},
		{ref: "9f", want: "9f000000-0003"},
		{ref: "a1b2", wantErr: true},
		{ref: "a1b2c3d4-0001", want: "a1b2c3d4-0001"},
		{ref: "not-on-board", want: "not-on-board"},
	}
	for _, tt := range tests {
		got, err := resolveOrder(board, tt.ref)
		if tt.wantErr {
			if err == nil {
				t.Errorf("resolveOrder(%q) = %q, want error", tt.ref, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("resolveOrder(%q) = %q, %v; want %q", tt.ref, got, err, tt.want)
		}
	}
}

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	got, err := parseWhen("never", now)
	if err != nil || got != nil {
		t.Errorf("parseWhen(never) = %v, %v; want nil, nil", got, err)
	}

	got, err = parseWhen("2026-03-01T08:30:00+01:00", now)
	if err != nil {
		t.Fatalf("parseWhen(RFC3339) failed: %v", err)
	}
	if want := time.Date(2026, 3, 1, 7, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("parseWhen(RFC3339) = %v, want %v", got, want)
	}

	got, err = parseWhen("3 hours ago", now)
	if err != nil {
		t.Fatalf("parseWhen(3 hours ago) failed: %v", err)
	}
	if want := now.Add(-3 * time.Hour); !got.Equal(want) {
		t.Errorf("parseWhen(3 hours ago) = %v, want %v", got, want)
	}

	if _, err := parseWhen("banana", now); err == nil {
		t.Error("parseWhen(banana) succeeded")
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"serve"},
		{"queue", "status"},
		{"queue", "drain"},
		{"catalog", "check"},
		{"catalog", "sync"},
		{"catalog", "checkpoint", "show"},
		{"catalog", "checkpoint", "set"},
		{"orders", "list"},
		{"orders", "new"},
		{"orders", "bump"},
		{"orders", "fast-complete"},
		{"orders", "cart"},
		{"p2p", "host"},
		{"p2p", "join"},
		{"config", "show"},
		{"config", "init"},
		{"bench"},
	} {
		cmd, rest, err := rootCmd.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not registered", path)
		}
	}
}
