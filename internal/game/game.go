package game

// Snapshot is the authoritative full state of one tracked game at a point
// in time. LastUpdated is milliseconds since epoch and never decreases for
// a given game.
type Snapshot struct {
	ID          string  `json:"id"`
	HomeTeam    string  `json:"homeTeam"`
	AwayTeam    string  `json:"awayTeam"`
	HomeScore   int     `json:"homeScore"`
	AwayScore   int     `json:"awayScore"`
	HomeOdds    float64 `json:"homeOdds"`
	AwayOdds    float64 `json:"awayOdds"`
	DrawOdds    float64 `json:"drawOdds"`
	LastUpdated int64   `json:"lastUpdated"`
}

// Delta is a sparse patch against the previous snapshot of a game. ID and
// LastUpdated are always present; every tracked field is present only when
// its value changed. A delta with no optional fields is valid and means
// "nothing tracked changed".
//
// Full marks a delta that carries the whole snapshot because the relay had
// no cached base (first contact, cache expiry, or relay restart), so the
// receiver can tell a resync from an ordinary first-time message.
type Delta struct {
	ID          string   `json:"id"`
	LastUpdated int64    `json:"lastUpdated"`
	Full        bool     `json:"full,omitempty"`
	HomeTeam    *string  `json:"homeTeam,omitempty"`
	AwayTeam    *string  `json:"awayTeam,omitempty"`
	HomeScore   *int     `json:"homeScore,omitempty"`
	AwayScore   *int     `json:"awayScore,omitempty"`
	HomeOdds    *float64 `json:"homeOdds,omitempty"`
	AwayOdds    *float64 `json:"awayOdds,omitempty"`
	DrawOdds    *float64 `json:"drawOdds,omitempty"`
}

// Diff builds the delta that takes prev to curr. With a nil prev the delta
// carries every tracked field and is flagged Full. Field comparison is
// strict inequality; a micro-change in an odds value still counts.
func Diff(curr Snapshot, prev *Snapshot) Delta {
	d := Delta{ID: curr.ID, LastUpdated: curr.LastUpdated}

	if prev == nil {
		d.Full = true
		d.HomeTeam = &curr.HomeTeam
		d.AwayTeam = &curr.AwayTeam
		d.HomeScore = &curr.HomeScore
		d.AwayScore = &curr.AwayScore
		d.HomeOdds = &curr.HomeOdds
		d.AwayOdds = &curr.AwayOdds
		d.DrawOdds = &curr.DrawOdds
		return d
	}

	if curr.HomeTeam != prev.HomeTeam {
		v := curr.HomeTeam
		d.HomeTeam = &v
	}
	if curr.AwayTeam != prev.AwayTeam {
		v := curr.AwayTeam
		d.AwayTeam = &v
	}
	if curr.HomeScore != prev.HomeScore {
		v := curr.HomeScore
		d.HomeScore = &v
	}
	if curr.AwayScore != prev.AwayScore {
		v := curr.AwayScore
		d.AwayScore = &v
	}
	if curr.HomeOdds != prev.HomeOdds {
		v := curr.HomeOdds
		d.HomeOdds = &v
	}
	if curr.AwayOdds != prev.AwayOdds {
		v := curr.AwayOdds
		d.AwayOdds = &v
	}
	if curr.DrawOdds != prev.DrawOdds {
		v := curr.DrawOdds
		d.DrawOdds = &v
	}

	return d
}

// Apply patches the snapshot in place with the fields present in d.
// Absent fields keep their current value, so a snapshot is never left
// partially stale within one update.
func (s *Snapshot) Apply(d Delta) {
	s.LastUpdated = d.LastUpdated
	if d.HomeTeam != nil {
		s.HomeTeam = *d.HomeTeam
	}
	if d.AwayTeam != nil {
		s.AwayTeam = *d.AwayTeam
	}
	if d.HomeScore != nil {
		s.HomeScore = *d.HomeScore
	}
	if d.AwayScore != nil {
		s.AwayScore = *d.AwayScore
	}
	if d.HomeOdds != nil {
		s.HomeOdds = *d.HomeOdds
	}
	if d.AwayOdds != nil {
		s.AwayOdds = *d.AwayOdds
	}
	if d.DrawOdds != nil {
		s.DrawOdds = *d.DrawOdds
	}
}

// Empty reports whether the delta carries no tracked field changes.
func (d Delta) Empty() bool {
	return d.HomeTeam == nil && d.AwayTeam == nil &&
		d.HomeScore == nil && d.AwayScore == nil &&
		d.HomeOdds == nil && d.AwayOdds == nil && d.DrawOdds == nil
}
