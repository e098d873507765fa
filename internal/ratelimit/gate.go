package ratelimit

// GlobalTenant is the key used for the fleet-wide counters.
const GlobalTenant = "*"

// Gate combines a tenant's own counters with an optional fleet-wide limiter.
//
// An action is allowed only when both allow it, and Record counts it on both.
// The global limiter is shared by every tenant goroutine; Limiter's mutex
// serializes those writers.
type Gate struct {
	Tenant string
	Local  *Limiter
	Global *Limiter
}

func (g Gate) CanPerform(kind Kind) bool {
	if g.Local != nil && !g.Local.CanPerform(g.Tenant, kind) {
		return false
	}
	if g.Global != nil && !g.Global.CanPerform(GlobalTenant, kind) {
		return false
	}
	return true
}

func (g Gate) Record(kind Kind) {
	if g.Local != nil {
		g.Local.Record(g.Tenant, kind)
	}
	if g.Global != nil {
		g.Global.Record(GlobalTenant, kind)
	}
}

// Status reports the tenant's counters. CanPerform reflects the global limiter too.
func (g Gate) Status(kind Kind) Status {
	var st Status
	if g.Local != nil {
		st = g.Local.Status(g.Tenant, kind)
	} else {
		st = Status{HourLimit: DefaultLimit, DayLimit: DefaultLimit, CanPerform: true}
	}
	if g.Global != nil && !g.Global.CanPerform(GlobalTenant, kind) {
		st.CanPerform = false
	}
	return st
}

// StatusAll returns Status for every kind.
func (g Gate) StatusAll() map[Kind]Status {
	out := make(map[Kind]Status, 4)
	for _, k := range Kinds() {
		out[k] = g.Status(k)
	}
	return out
}
