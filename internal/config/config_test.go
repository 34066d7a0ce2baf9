package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProctorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Proctor)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Proctor) {}},
		{name: "freshness equals interval", mutate: func(p *Proctor) { p.FreshnessWindow = 30 * time.Second }, wantErr: true},
		{name: "interval exceeds disconnect", mutate: func(p *Proctor) { p.HealthCheckInterval = 5 * time.Minute }, wantErr: true},
		{name: "zero freshness", mutate: func(p *Proctor) { p.FreshnessWindow = 0 }, wantErr: true},
		{name: "zero buffer", mutate: func(p *Proctor) { p.SubscriberBuffer = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProctor()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadReadsEnv(t *testing.T) {
	t.Setenv("HEALTH_CHECK_INTERVAL_SECONDS", "20")
	t.Setenv("FRESHNESS_WINDOW_SECONDS", "5")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "250")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg := Load()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20*time.Second, cfg.Proctor.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.Proctor.FreshnessWindow)
	assert.Equal(t, 250*time.Millisecond, cfg.Proctor.RateLimitWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "student:s1:exam:e1:answers", CacheKey.StudentAnswersKey("e1", "s1"))
	assert.Equal(t, "exam:e1:monitor", CacheKey.ExamMonitorChannel("e1"))
}
