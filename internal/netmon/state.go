package netmon

import (
	"fmt"
	"strings"
	"time"
)

// Connectivity is the coarse reachability state.
type Connectivity uint8

const (
	Unknown Connectivity = iota
	Offline
	Online
)

func (c Connectivity) String() string {
	switch c {
	case Offline:
		return "offline"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Connectivity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Connectivity) UnmarshalText(b []byte) error {
	v, err := ParseConnectivity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseConnectivity converts "online", "offline" or "unknown".
func ParseConnectivity(s string) (Connectivity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	case "", "unknown":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("netmon: unknown connectivity %q", s)
}

// LinkType is the kind of network link in use.
type LinkType uint8

const (
	LinkNone LinkType = iota
	LinkCellular
	LinkWiFi
	LinkOther
)

func (l LinkType) String() string {
	switch l {
	case LinkCellular:
		return "cellular"
	case LinkWiFi:
		return "wifi"
	case LinkOther:
		return "other"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l LinkType) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *LinkType) UnmarshalText(b []byte) error {
	v, err := ParseLinkType(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// ParseLinkType converts a link type name.
func ParseLinkType(s string) (LinkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return LinkNone, nil
	case "cellular", "mobile":
		return LinkCellular, nil
	case "wifi", "wi-fi", "wlan":
		return LinkWiFi, nil
	case "other", "ethernet", "wired":
		return LinkOther, nil
	}
	return LinkNone, fmt.Errorf("netmon: unknown link type %q", s)
}

// Quality classifies the last measured latency.
type Quality uint8

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (q Quality) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *Quality) UnmarshalText(b []byte) error {
	for v := QualityUnknown; v <= QualityPoor; v++ {
		if v.String() == string(b) {
			*q = v
			return nil
		}
	}
	return fmt.Errorf("netmon: unknown quality %q", b)
}

// State is a point-in-time copy of what the monitor knows.
type State struct {
	Connectivity Connectivity  `json:"connectivity"`
	LinkType     LinkType      `json:"link_type"`
	LastLatency  time.Duration `json:"last_latency"`
	Quality      Quality       `json:"quality"`
	LowPower     bool          `json:"low_power"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Change describes one connectivity transition.
type Change struct {
	Previous Connectivity
	Current  Connectivity
	State    State

	// Restored is true exactly for Offline -> Online.
	Restored bool
	Reason   string
	Time     time.Time
}
