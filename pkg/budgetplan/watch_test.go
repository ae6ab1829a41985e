package budgetplan

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budgets.yaml")
	write := func(amount string) {
		t.Helper()
		data := "currency: CAD\nbudgets:\n  - {id: a, category: F, period: monthly, start: 2025-01-01, amount: " + amount + "}\n"
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	plans := make(chan *Plan, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(p *Plan) error {
			select {
			case plans <- p:
			default:
			}
			return nil
		})
	}()

	// Give the watcher a moment to register before the write.
	time.Sleep(100 * time.Millisecond)
	write("25")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case p := <-plans:
			if len(p.Budgets) == 1 && p.Budgets[0].Amount.String() == "25" {
				cancel()
				if err := <-done; err != nil {
					t.Errorf("Watch() error = %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the reloaded plan")
		}
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "budgets.yaml"), nil, func(*Plan) error { return nil })
	if err == nil {
		t.Error("Watch() on a missing directory error = nil")
	}
}
