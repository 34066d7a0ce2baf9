package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-proctor/internal/model"
)

func cleanInput() Input {
	return Input{Camera: model.CameraFlags{FaceDetected: true, EyesVisible: true}}
}

func eventNames(res Result) []string {
	names := make([]string, 0, len(res.Events))
	for _, e := range res.Events {
		names = append(names, e.Event)
	}
	return names
}

func TestEvaluateSingleRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Input)
		event    string
		severity Severity
		delta    int
	}{
		{"face missing", func(in *Input) { in.Camera.FaceDetected = false }, EventFaceMissing, SeverityHigh, 20},
		{"multiple faces", func(in *Input) { in.Camera.MultipleFaces = true }, EventMultipleFaces, SeverityHigh, 40},
		{"eyes not visible", func(in *Input) { in.Camera.EyesVisible = false }, EventEyesNotVisible, SeverityMedium, 10},
		{"looking away", func(in *Input) { in.Behavior.LookingAway = true }, EventLookingAway, SeverityMedium, 15},
		{"talking", func(in *Input) { in.Behavior.Talking = true }, EventTalking, SeverityMedium, 15},
		{"suspicious movement", func(in *Input) { in.Behavior.SuspiciousMovement = true }, EventSuspiciousMovement, SeverityMedium, 15},
		{"window switch", func(in *Input) { in.Screen.WindowSwitch = true }, EventWindowSwitch, SeverityMedium, 20},
		{"virtual desktop", func(in *Input) { in.Screen.VirtualDesktop = true }, EventVirtualDesktop, SeverityHigh, 40},
		{"rapid increase", func(in *Input) { in.LastScoreDelta = 21 }, EventRapidScoreIncrease, SeverityHigh, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := cleanInput()
			tt.mutate(&in)

			res := Evaluate(in)
			require.Len(t, res.Events, 1)
			assert.Equal(t, tt.event, res.Events[0].Event)
			assert.Equal(t, tt.severity, res.Events[0].Severity)
			assert.Equal(t, tt.delta, res.ScoreDelta)
			assert.Equal(t, tt.delta, res.NewScore)
		})
	}
}

func TestEvaluateCleanInput(t *testing.T) {
	res := Evaluate(cleanInput())
	assert.Zero(t, res.ScoreDelta)
	assert.Empty(t, res.Events)
	assert.Equal(t, model.RiskLevelLow, res.Level)
}

func TestEvaluateRapidIncreaseThreshold(t *testing.T) {
	in := cleanInput()
	in.LastScoreDelta = 20
	assert.Empty(t, Evaluate(in).Events)
}

func TestEvaluateAdditiveAndClamped(t *testing.T) {
	in := Input{
		Camera:   model.CameraFlags{FaceDetected: false, MultipleFaces: true, EyesVisible: false},
		Behavior: model.BehaviorFlags{LookingAway: true, Talking: true},
		Score:    30,
	}
	res := Evaluate(in)
	assert.Equal(t, 20+40+10+15+15, res.ScoreDelta)
	assert.Equal(t, 100, res.NewScore)
	assert.Equal(t, model.RiskLevelCritical, res.Level)
	assert.Equal(t, []string{
		EventFaceMissing, EventMultipleFaces, EventEyesNotVisible, EventLookingAway, EventTalking,
	}, eventNames(res))
}

func TestRiskLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  model.RiskLevel
	}{
		{85, model.RiskLevelCritical},
		{80, model.RiskLevelCritical},
		{65, model.RiskLevelHigh},
		{60, model.RiskLevelHigh},
		{45, model.RiskLevelMedium},
		{40, model.RiskLevelMedium},
		{39, model.RiskLevelLow},
		{10, model.RiskLevelLow},
		{0, model.RiskLevelLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RiskLevelFor(tt.score), "score %d", tt.score)
	}
}

func TestApply(t *testing.T) {
	s := model.NewSessionState("s1", "e1", "stu1", 0)
	s.CameraFlags.MultipleFaces = true
	s.AIRiskScore = 50

	res := Evaluate(InputOf(s))
	Apply(&s, res)
	assert.Equal(t, 90, s.AIRiskScore)
	assert.Equal(t, model.RiskLevelCritical, s.AIRiskLevel)
	assert.Equal(t, 40, s.AILastScoreDelta)

	// the next cycle flags the jump
	again := Evaluate(InputOf(s))
	assert.Contains(t, eventNames(again), EventRapidScoreIncrease)
}
