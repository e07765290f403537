package service

import "monitorconsole/models"

// HubSink publishes viewport snapshots and live state changes to UI clients.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) RenderView(view models.View) {
	s.hub.BroadcastToAll(models.HubMessage{Type: models.HubViewport, Target: view.Target, Data: view})
}

// LiveStateChanged is registered with Controller.AddListener.
func (s *HubSink) LiveStateChanged(change StateChange) {
	s.hub.BroadcastToAll(models.HubMessage{Type: models.HubLive, Target: change.Target, Data: change})
}
