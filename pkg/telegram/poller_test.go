package telegram

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

type collectingHandler struct {
	mu      sync.Mutex
	updates []Update
	done    chan struct{}
	want    int
}

func (h *collectingHandler) HandleUpdate(_ context.Context, u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, u)
	if len(h.updates) == h.want {
		close(h.done)
	}
}

func TestPollerDeliversUpdates(t *testing.T) {
	api, client := newFakeBotAPI(t)
	api.reply("getUpdates", http.StatusOK, `{"ok":true,"result":[{"update_id":1},{"update_id":2}]}`)

	h := &collectingHandler{done: make(chan struct{}), want: 2}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- NewPoller(client, h, time.Second).Run(ctx) }()

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates not delivered")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := api.recorded()
	if calls[0].Method != "deleteWebhook" {
		t.Errorf("first call = %s, want deleteWebhook", calls[0].Method)
	}
	if calls[1].Method != "getUpdates" {
		t.Errorf("second call = %s, want getUpdates", calls[1].Method)
	}
}
