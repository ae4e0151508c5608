package domain

// Classification routes a trade between the hotpath and the coldpath.
type Classification string

const (
	CurrentDated Classification = "CURRENT_DATED"
	ForwardDated Classification = "FORWARD_DATED"
	Backdated    Classification = "BACKDATED"
)

// Hotpath reports whether the classification is applied synchronously.
// Forward-dated trades ride the hotpath like current-dated ones; only
// backdated trades take the coldpath.
func (c Classification) Hotpath() bool { return c != Backdated }

// Classifier decides hot versus cold routing from the trade's effective
// date and the last effective date the position has seen.
type Classifier struct {
	Now func() Date
}

// NewClassifier returns a classifier using the real clock.
func NewClassifier() *Classifier { return &Classifier{Now: Today} }

// Classify applies the routing rules. lastEffective is the effective
// date of the position's latest event, nil when no snapshot exists.
func (c *Classifier) Classify(effective Date, lastEffective *Date) Classification {
	if lastEffective == nil {
		return CurrentDated
	}
	if effective.Before(*lastEffective) {
		return Backdated
	}
	if effective.Equal(c.now()) {
		return CurrentDated
	}
	return ForwardDated
}

func (c *Classifier) now() Date {
	if c.Now != nil {
		return c.Now()
	}
	return Today()
}
