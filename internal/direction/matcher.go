package direction

// Level-wide reason codes returned by Evaluate.
const (
	ReasonNoTriggers = "no_triggers"
	ReasonNoMatch    = "no_match"
)

// Diagnostic is the outcome of one trigger.
type Diagnostic struct {
	Index   int       `json:"index"`
	Type    MatchType `json:"type"`
	Matched bool      `json:"matched"`
	Reason  string    `json:"reason"`
}

// Result is the outcome of evaluating one level's triggers.
type Result struct {
	Matched        bool
	MatchType      MatchType
	Reason         string
	MatchedTrigger Trigger
	Diagnostics    []Diagnostic
}

// Evaluate tests triggers against snap with OR semantics. The first match
// decides the result, but every trigger is evaluated so Diagnostics is
// complete.
func Evaluate(triggers []Trigger, snap Snapshot) Result {
	if len(triggers) == 0 {
		return Result{MatchType: MatchNone, Reason: ReasonNoTriggers}
	}

	res := Result{
		MatchType:   MatchNone,
		Reason:      ReasonNoMatch,
		Diagnostics: make([]Diagnostic, 0, len(triggers)),
	}
	for i, t := range triggers {
		ok, reason := t.Matches(snap)
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Index:   i,
			Type:    t.Type(),
			Matched: ok,
			Reason:  reason,
		})
		if ok && !res.Matched {
			res.Matched = true
			res.MatchType = t.Type()
			res.Reason = reason
			res.MatchedTrigger = t
		}
	}
	return res
}
