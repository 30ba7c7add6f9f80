// Package alert decides when a threat assessment becomes a notification and
// hands it to dispatch workers without blocking the frame producer.
package alert

import (
	"context"
	"time"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/threat"
)

// Type is the headline of an alert.
type Type string

const (
	TypeCritical   Type = "CRITICAL THREAT"
	TypeWeapon     Type = "WEAPON DETECTED"
	TypePersonDown Type = "PERSON DOWN"
	TypeTest       Type = "TEST ALERT"
)

// Alert is one notification handed to a Dispatcher.
type Alert struct {
	ID          string
	Type        Type
	Time        time.Time
	Zone        string
	ThreatLevel int
	JPEG        []byte // annotated frame, may be nil
}

// Event is the log entry kept for every fired alert.
type Event struct {
	ID   string    `json:"id"`
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Zone string    `json:"zone"`
}

// Dispatcher delivers an alert to its recipients. Implementations enumerate
// their own recipients and must honour ctx.
type Dispatcher interface {
	Dispatch(ctx context.Context, a Alert) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, a Alert) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// Candidate reports whether an assessment may raise an alert. SOS alone
// never does.
func Candidate(a threat.Assessment) bool {
	return a.WeaponDetected || a.FallDetected
}

// TypeOf picks the alert headline. Fall takes precedence over weapon.
func TypeOf(a threat.Assessment) Type {
	t := TypeCritical
	if a.WeaponDetected {
		t = TypeWeapon
	}
	if a.FallDetected {
		t = TypePersonDown
	}
	return t
}
