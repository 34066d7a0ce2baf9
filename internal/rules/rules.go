// Package rules turns the detector flags of a session into a risk-score delta
// and the list of rules that fired. Evaluation is pure: it reads only its Input
// and never touches the store or the network.
package rules

import "github.com/stemsi/exstem-proctor/internal/model"

// Severity of a triggered rule.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event names emitted by the rule table.
const (
	EventFaceMissing        = "face_missing"
	EventMultipleFaces      = "multiple_faces_detected"
	EventEyesNotVisible     = "eyes_not_visible"
	EventLookingAway        = "looking_away_sustained"
	EventTalking            = "talking_detected"
	EventSuspiciousMovement = "suspicious_movement"
	EventWindowSwitch       = "window_switch_violation"
	EventVirtualDesktop     = "virtual_desktop_violation"
	EventRapidScoreIncrease = "rapid_score_increase"
	rapidIncreaseThreshold  = 20
)

// Input is everything a rule evaluation looks at.
type Input struct {
	Camera         model.CameraFlags
	Behavior       model.BehaviorFlags
	Screen         model.ScreenFlags
	Score          int // current AI risk score
	LastScoreDelta int // delta applied by the previous evaluation or reported by the detector
}

// InputOf extracts the rule input from a session state.
func InputOf(s model.SessionState) Input {
	return Input{
		Camera:         s.CameraFlags,
		Behavior:       s.BehaviorFlags,
		Screen:         s.ScreenFlags,
		Score:          s.AIRiskScore,
		LastScoreDelta: s.AILastScoreDelta,
	}
}

// Triggered is one rule that fired.
type Triggered struct {
	Event      string   `json:"event"`
	Severity   Severity `json:"severity"`
	ScoreDelta int      `json:"score_delta"`
}

// Result of one evaluation.
type Result struct {
	ScoreDelta int             `json:"score_delta"`
	NewScore   int             `json:"new_score"`
	Level      model.RiskLevel `json:"level"`
	Events     []Triggered     `json:"events"`
}

type rule struct {
	event    string
	severity Severity
	delta    int
	match    func(Input) bool
}

var table = []rule{
	{EventFaceMissing, SeverityHigh, 20, func(in Input) bool { return !in.Camera.FaceDetected }},
	{EventMultipleFaces, SeverityHigh, 40, func(in Input) bool { return in.Camera.MultipleFaces }},
	{EventEyesNotVisible, SeverityMedium, 10, func(in Input) bool { return !in.Camera.EyesVisible }},
	{EventLookingAway, SeverityMedium, 15, func(in Input) bool { return in.Behavior.LookingAway }},
	{EventTalking, SeverityMedium, 15, func(in Input) bool { return in.Behavior.Talking }},
	{EventSuspiciousMovement, SeverityMedium, 15, func(in Input) bool { return in.Behavior.SuspiciousMovement }},
	{EventWindowSwitch, SeverityMedium, 20, func(in Input) bool { return in.Screen.WindowSwitch }},
	{EventVirtualDesktop, SeverityHigh, 40, func(in Input) bool { return in.Screen.VirtualDesktop }},
	{EventRapidScoreIncrease, SeverityHigh, 0, func(in Input) bool { return in.LastScoreDelta > rapidIncreaseThreshold }},
}

// Evaluate applies every rule independently and sums the deltas.
func Evaluate(in Input) Result {
	res := Result{Events: []Triggered{}}
	for _, r := range table {
		if !r.match(in) {
			continue
		}
		res.ScoreDelta += r.delta
		res.Events = append(res.Events, Triggered{Event: r.event, Severity: r.severity, ScoreDelta: r.delta})
	}
	res.NewScore = model.ClampScore(in.Score + res.ScoreDelta)
	res.Level = RiskLevelFor(res.NewScore)
	return res
}

// RiskLevelFor buckets a risk score.
func RiskLevelFor(score int) model.RiskLevel {
	switch {
	case score >= 80:
		return model.RiskLevelCritical
	case score >= 60:
		return model.RiskLevelHigh
	case score >= 40:
		return model.RiskLevelMedium
	default:
		return model.RiskLevelLow
	}
}

// Apply writes an evaluation result back into a session state. It is meant to
// run inside a store mutation so read, evaluate and write-back form one step.
func Apply(s *model.SessionState, res Result) {
	s.AIRiskScore = res.NewScore
	s.AIRiskLevel = res.Level
	s.AILastScoreDelta = res.ScoreDelta
}
