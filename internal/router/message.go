package router

import (
	"encoding/json"

	"reactive-guard/internal/alert"
)

// MessageType names a delivery on the observer stream.
type MessageType string

const (
	BacklogAll     MessageType = "backlog-all"
	BacklogSubject MessageType = "backlog-subject"
	AlertBroadcast MessageType = "alert-broadcast"
	AlertSubject   MessageType = "alert-subject"
)

// IsBacklog reports whether the message carries a history snapshot.
func (t MessageType) IsBacklog() bool {
	return t == BacklogAll || t == BacklogSubject
}

// Message is one delivery to an observer. Backlog messages carry an ordered
// history; live messages carry exactly one alert.
type Message struct {
	Type    MessageType
	Subject string
	Alerts  []alert.Alert
}

// MarshalJSON renders {"type": ..., "subject"?: ..., "data": ...}.
func (m Message) MarshalJSON() ([]byte, error) {
	env := struct {
		Type    MessageType `json:"type"`
		Subject string      `json:"subject,omitempty"`
		Data    interface{} `json:"data"`
	}{Type: m.Type, Subject: m.Subject}

	switch {
	case m.Type.IsBacklog():
		alerts := m.Alerts
		if alerts == nil {
			alerts = []alert.Alert{}
		}
		env.Data = alerts
	case len(m.Alerts) > 0:
		env.Data = m.Alerts[0]
	}
	return json.Marshal(env)
}
