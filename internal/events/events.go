// Package events defines the startup progress events and an in-process bus
// that fans them out to listeners (CLI, HTTP stream, history sinks).
package events

import (
	"time"
)

// Type discriminates Event. The values are the wire "type" field.
type Type string

const (
	ServiceStarting Type = "service-starting"
	ServiceReady    Type = "service-ready"
	ServiceFailed   Type = "service-failed"
	PortConflict    Type = "port-conflict"
	Retrying        Type = "retrying"
	AllReady        Type = "all-ready"
	StartupFailed   Type = "startup-failed"
	ServiceStopped  Type = "service-stopped"
	ChildTerminated Type = "child-terminated"
)

// Data carries the variant payload. Only the fields of the event's Type are set.
type Data struct {
	Service         string `json:"service,omitempty"`
	Port            int    `json:"port,omitempty"`
	DesiredPort     int    `json:"desired_port,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	TotalDurationMS int64  `json:"total_duration_ms,omitempty"`
	Error           string `json:"error,omitempty"`
	Attempt         int    `json:"attempt,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	DelayMS         int64  `json:"delay_ms,omitempty"`
	PID             int    `json:"pid,omitempty"`
}

// Event is one progress notification. It serializes as
// {"type": "...", "time": "...", "data": {...}}.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data Data      `json:"data"`
}

func newEvent(t Type, d Data) Event {
	return Event{Type: t, Time: time.Now().UTC(), Data: d}
}

func Starting(service string, port int) Event {
	return newEvent(ServiceStarting, Data{Service: service, Port: port})
}

func Ready(service string, port int, took time.Duration) Event {
	return newEvent(ServiceReady, Data{Service: service, Port: port, DurationMS: took.Milliseconds()})
}

func Failed(service string, port int, err error) Event {
	return newEvent(ServiceFailed, Data{Service: service, Port: port, Error: errString(err)})
}

// Conflict reports that desired was unusable and port was chosen instead.
func Conflict(service string, desired, port int) Event {
	return newEvent(PortConflict, Data{Service: service, Port: port, DesiredPort: desired})
}

func Retry(service string, attempt, maxAttempts int, delay time.Duration) Event {
	return newEvent(Retrying, Data{Service: service, Attempt: attempt, MaxAttempts: maxAttempts, DelayMS: delay.Milliseconds()})
}

func AllServicesReady(total time.Duration) Event {
	return newEvent(AllReady, Data{TotalDurationMS: total.Milliseconds()})
}

func Aborted(err error) Event {
	return newEvent(StartupFailed, Data{Error: errString(err)})
}

func Stopped(service string) Event {
	return newEvent(ServiceStopped, Data{Service: service})
}

func Terminated(service string, pid int) Event {
	return newEvent(ChildTerminated, Data{Service: service, PID: pid})
}

// Terminal reports whether no further events follow in this startup run.
func (e Event) Terminal() bool {
	return e.Type == AllReady || e.Type == StartupFailed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
