package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAccountIDFromPath(t *testing.T) {
	cases := []struct {
		path, want string
	}{
		{"/creds/a1.json", "a1"},
		{"creds/team-2.json", "team-2"},
		{"/creds/12345.tmp", ""},
		{"/creds/a1.json.swp", ""},
	}
	for _, tc := range cases {
		if got := accountIDFromPath(tc.path); got != tc.want {
			t.Errorf("accountIDFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestCredentialWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()

	got := make(chan []string, 1)
	cw, err := newCredentialWatcher(dir, func(ids []string) {
		select {
		case got <- ids:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cw.Close()

	if err := os.WriteFile(filepath.Join(dir, "a1.json"), []byte(`{"kind":"oauth"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ids := <-got:
		if len(ids) != 1 || ids[0] != "a1" {
			t.Fatalf("ids = %v, want [a1]", ids)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}
