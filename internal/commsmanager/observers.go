package commsmanager

import (
	"context"
	"encoding/json"
	"time"

	"bmh/internal/config"
	"bmh/internal/journal"
	"bmh/internal/logging"
	"bmh/internal/notifications"
	"bmh/internal/wire"
)

// StatusEvent is the envelope published to the bus status topic.
type StatusEvent struct {
	Kind  string    `json:"kind"`
	Group string    `json:"transmitter_group"`
	Time  time.Time `json:"time"`
	Body  any       `json:"body,omitempty"`
}

// ConnectionEvent reports a transmitter group gaining or losing its DAC.
type ConnectionEvent struct {
	Connected bool `json:"connected_to_dac"`
}

// SilenceEvent reports a dead air alarm or its end.
type SilenceEvent struct {
	Alarming bool       `json:"alarming"`
	Since    *time.Time `json:"since,omitempty"`
	Repeat   bool       `json:"repeat,omitempty"`
}

func (m *Manager) publishStatus(group, kind string, body any) {
	ev := StatusEvent{Kind: kind, Group: group, Time: time.Now().UTC(), Body: body}
	if err := m.relay.Publish(m.cfg.Load().Bus.StatusTopic, ev); err != nil {
		m.logger.Debug("status event not published", logging.Group(group), logging.Error(err))
	}
}

type transmitObserver struct{ m *Manager }

func (o transmitObserver) ConnectionChanged(group string, connected bool) {
	m := o.m
	kind := journal.KindDacDisconnected
	if connected {
		kind = journal.KindDacConnected
		m.subscribePlaylist(group)
	} else {
		m.unsubscribePlaylist(group)
	}
	m.logger.Info("transmitter group connectivity changed",
		logging.Group(group),
		logging.Bool("connected_to_dac", connected),
	)
	m.record(journal.Event{Kind: kind, Group: group})
	m.publishStatus(group, "connection", ConnectionEvent{Connected: connected})
}

func (o transmitObserver) StatusChanged(group string, status wire.DacTransmitStatus) {
	o.m.publishStatus(group, string(status.Kind()), status)
}

func (o transmitObserver) Notification(group string, msg wire.Message) {
	o.m.publishStatus(group, string(msg.Kind()), msg)
}

func (o transmitObserver) HardwareStatus(group string, status wire.DacHardwareStatus) {
	o.m.alarm.Handle(group, status)
	o.m.publishStatus(group, string(status.Kind()), status)
}

type silenceObserver struct{ m *Manager }

func (o silenceObserver) SilenceAlarm(group string, since time.Time, repeat bool) {
	m := o.m
	m.publishStatus(group, "silence", SilenceEvent{Alarming: true, Since: &since, Repeat: repeat})
	if !repeat {
		m.record(journal.Event{Kind: journal.KindSilenceAlarm, Group: group, Time: time.Now()})
	}
	silentFor := time.Since(since)
	m.notify("silence_alarm", func(ctx context.Context, svc notifications.Service) error {
		return svc.NotifySilenceAlarm(ctx, group, silentFor, repeat)
	})
}

func (o silenceObserver) SilenceCleared(group string) {
	m := o.m
	m.publishStatus(group, "silence", SilenceEvent{Alarming: false})
	m.record(journal.Event{Kind: journal.KindSilenceCleared, Group: group})
	m.notify("silence_cleared", func(ctx context.Context, svc notifications.Service) error {
		return svc.NotifySilenceCleared(ctx, group)
	})
}

// subscribePlaylist routes playlist updates queued for group on the bus to
// its DAC transmit process.
func (m *Manager) subscribePlaylist(group string) {
	m.subscribePlaylistWith(m.cfg.Load(), group)
}

func (m *Manager) subscribePlaylistWith(cfg *config.Config, group string) {
	destination := cfg.Bus.PlaylistQueuePrefix + group
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if existing, ok := m.subs[group]; ok {
		if existing.destination == destination {
			return
		}
		existing.cancel()
	}
	cancel := m.relay.Subscribe(destination, func(body json.RawMessage) {
		m.deliverPlaylist(group, body)
	})
	m.subs[group] = busSubscription{destination: destination, cancel: cancel}
	m.logger.Debug("subscribed to playlist queue", logging.Group(group), logging.String("destination", destination))
}

func (m *Manager) unsubscribePlaylist(group string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if sub, ok := m.subs[group]; ok {
		sub.cancel()
		delete(m.subs, group)
	}
}

func (m *Manager) resubscribePlaylists(cfg *config.Config) {
	m.subsMu.Lock()
	groups := make([]string, 0, len(m.subs))
	for group := range m.subs {
		groups = append(groups, group)
	}
	m.subsMu.Unlock()
	for _, group := range groups {
		m.subscribePlaylistWith(cfg, group)
	}
}

func (m *Manager) deliverPlaylist(group string, body json.RawMessage) {
	var update wire.PlaylistUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		logging.WarnWithContext(m.logger, "malformed playlist update from bus", "playlist_update_invalid",
			logging.Group(group),
			logging.Error(err),
		)
		return
	}
	if update.TransmitterGroup == "" {
		update.TransmitterGroup = group
	}
	if update.TransmitterGroup != group {
		logging.WarnWithContext(m.logger, "playlist update addressed to another group", "playlist_update_misrouted",
			logging.Group(group),
			logging.String("addressed_to", update.TransmitterGroup),
		)
		return
	}
	if err := m.transmit.Deliver(group, update); err != nil {
		logging.WarnWithContext(m.logger, "playlist update not delivered", "playlist_update_undelivered",
			logging.Group(group),
			logging.Error(err),
			logging.String(logging.FieldImpact, "dac transmit keeps its current playlist until the next update"),
		)
	}
}
