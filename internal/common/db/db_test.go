package db

import "testing"

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "pg", Port: 5432, User: "tracker", Password: "s3cret", Database: "orders"}
	want := "postgres://tracker:s3cret@pg:5432/orders?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}
	cfg.SSLMode = "require"
	if got := cfg.DSN(); got != "postgres://tracker:s3cret@pg:5432/orders?sslmode=require" {
		t.Errorf("DSN with sslmode = %q", got)
	}
}
