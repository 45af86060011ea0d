// Package events carries cache-invalidation signals and user notifications
// from the pipeline to whatever surface is attached (CLI output, the agent's
// control API, a local UI).
package events

import (
	"sync"
	"time"
)

// Type discriminates bus events.
type Type string

const (
	TypeRefreshSessions        Type = "refresh_sessions"
	TypeRefreshPatientActivity Type = "refresh_patient_activity"
	TypeNotification           Type = "notification"
)

// Level grades a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Event is one bus message.
type Event struct {
	Type      Type      `json:"type"`
	ClinicID  string    `json:"clinic_id,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
	Level     Level     `json:"level,omitempty"`
	Title     string    `json:"title,omitempty"`
	Message   string    `json:"message,omitempty"`
	Time      time.Time `json:"time"`
}

// Bus fans events out to subscribers. Handlers run synchronously on the
// publishing goroutine and must not block.
type Bus struct {
	mutex    sync.RWMutex
	handlers []func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for every subsequent event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.handlers = append(b.handlers, fn)
}

func (b *Bus) publish(ev Event) {
	ev.Time = time.Now()
	b.mutex.RLock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	b.mutex.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// RefreshSessions signals that session lists should re-fetch. An empty
// clinic id means all clinics.
func (b *Bus) RefreshSessions(clinicID string) {
	b.publish(Event{Type: TypeRefreshSessions, ClinicID: clinicID})
}

// RefreshPatientActivity signals that one patient's activity view is stale.
func (b *Bus) RefreshPatientActivity(patientID string) {
	b.publish(Event{Type: TypeRefreshPatientActivity, PatientID: patientID})
}

// Notify surfaces a user-visible message.
func (b *Bus) Notify(level Level, title, message string) {
	b.publish(Event{Type: TypeNotification, Level: level, Title: title, Message: message})
}
