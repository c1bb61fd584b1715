package handoff

import "github.com/nextlevelbuilder/goherd/pkg/protocol"

// Zone classifies context usage. Boundaries are a design decision, not
// a runtime knob: the 15% margin above Mandatory covers the cost of the
// handoff cycle itself.
type Zone int

const (
	ZoneNormal     Zone = iota // <30%: any task
	ZoneMonitoring             // 30-50%: any task, log only
	ZoneWarning                // 50-70%: small tasks (<5k tokens)
	ZoneCritical               // 70-85%: tiny tasks (<2k tokens), re-prompt
	ZoneMandatory              // >=85%: trigger handoff
)

// Classify maps usage (0..1) to a zone.
func Classify(usage float64) Zone {
	switch {
	case usage >= 0.85:
		return ZoneMandatory
	case usage >= 0.70:
		return ZoneCritical
	case usage >= 0.50:
		return ZoneWarning
	case usage >= 0.30:
		return ZoneMonitoring
	default:
		return ZoneNormal
	}
}

func (z Zone) String() string {
	switch z {
	case ZoneNormal:
		return "normal"
	case ZoneMonitoring:
		return "monitoring"
	case ZoneWarning:
		return "warning"
	case ZoneCritical:
		return "critical"
	case ZoneMandatory:
		return "mandatory"
	}
	return "unknown"
}

// HealthStatus maps the zone to a health_checks row status.
func (z Zone) HealthStatus() string {
	switch z {
	case ZoneNormal, ZoneMonitoring:
		return protocol.StatusOK
	case ZoneWarning:
		return protocol.StatusWarning
	default:
		return protocol.StatusCritical
	}
}

// Recommendation is the guidance delivered to the supervisor with a
// context-probe result.
func (z Zone) Recommendation() string {
	switch z {
	case ZoneNormal:
		return ""
	case ZoneMonitoring:
		return "context usage is climbing; plan a checkpoint at the next natural boundary"
	case ZoneWarning:
		return "accept only small tasks (<5k tokens) and checkpoint soon"
	case ZoneCritical:
		return "accept only tiny tasks (<2k tokens); a handoff is imminent"
	case ZoneMandatory:
		return "no new tasks; an automated handoff has been triggered"
	}
	return ""
}

// RequiresHandoff reports whether the zone forces the handoff cycle.
func (z Zone) RequiresHandoff() bool { return z == ZoneMandatory }
