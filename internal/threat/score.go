package threat

const (
	weaponWeight = 60
	fallWeight   = 30
	sosWeight    = 40
	maxLevel     = 100
)

// Score combines the three signals into a threat level in [0,100].
func Score(weapon, fall, sos bool) int {
	level := 0
	if weapon {
		level += weaponWeight
	}
	if fall {
		level += fallWeight
	}
	if sos {
		level += sosWeight
	}
	return min(level, maxLevel)
}

// Band is the display colour band of a threat level.
type Band int

const (
	BandNominal Band = iota
	BandElevated
	BandCritical
)

// BandOf maps a level to its band. Presentational only; alerting never uses it.
func BandOf(level int) Band {
	switch {
	case level <= 30:
		return BandNominal
	case level <= 60:
		return BandElevated
	default:
		return BandCritical
	}
}

func (b Band) String() string {
	switch b {
	case BandNominal:
		return "nominal"
	case BandElevated:
		return "elevated"
	case BandCritical:
		return "critical"
	}
	return "unknown"
}
