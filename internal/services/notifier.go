package services

import "github.com/tahcohcat/dengue-tracker/internal/models"

// Notifier receives events once the writes behind them are durable.
// Publish must not block.
type Notifier interface {
	Publish(evt models.Event)
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Publish(models.Event) {}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID   string
	Name string
	Role models.Role
}
