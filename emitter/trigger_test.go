package emitter

import (
	"context"
	"testing"

	"github.com/meridian-cache/meridian/delivery"
	"github.com/meridian-cache/meridian/webhookstore"
)

func TestEngineTrigger_QueuesOneTaskPerSubscribedWebhook(t *testing.T) {
	repo, err := webhookstore.NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	engine, err := delivery.NewEngine(delivery.DefaultConfig(), repo, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	subscribed1, err := repo.CreateWebhook("https://example.com/one", []string{"order.created"}, "", true, nil, "")
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	subscribed2, err := repo.CreateWebhook("https://example.com/two", []string{"order.created", "order.shipped"}, "", true, nil, "")
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}
	_, err = repo.CreateWebhook("https://example.com/unrelated", []string{"order.shipped"}, "", true, nil, "")
	if err != nil {
		t.Fatalf("CreateWebhook() error = %v", err)
	}

	trigger := &EngineTrigger{Repo: repo, Engine: engine}
	queued, err := trigger.TriggerEvent(context.Background(), "order.created", map[string]string{"id": "1"})
	if err != nil {
		t.Fatalf("TriggerEvent() error = %v", err)
	}
	if queued != 2 {
		t.Errorf("queued = %d, want 2", queued)
	}
	if engine.QueueLen() != 2 {
		t.Errorf("QueueLen() = %d, want 2", engine.QueueLen())
	}
	_ = subscribed1
	_ = subscribed2
}

func TestEngineTrigger_NoSubscribersQueuesNothing(t *testing.T) {
	repo, err := webhookstore.NewRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewRepository() error = %v", err)
	}
	engine, err := delivery.NewEngine(delivery.DefaultConfig(), repo, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	trigger := &EngineTrigger{Repo: repo, Engine: engine}
	queued, err := trigger.TriggerEvent(context.Background(), "order.created", nil)
	if err != nil {
		t.Fatalf("TriggerEvent() error = %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
}
