package attempt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/progression-engine/attempt"
	"github.com/warp/progression-engine/ledger"
)

var t0 = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func summary(count int, last time.Time) ledger.AttemptSummary {
	return ledger.AttemptSummary{Count: count, LastAttemptAt: last, LastOutcome: ledger.OutcomeFailed}
}

func TestEvaluate_FirstAttemptAlwaysAllowed(t *testing.T) {
	cfgs := []attempt.Config{
		{MaxAttempts: 1},
		{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 60},
		{},
	}
	for _, cfg := range cfgs {
		d := attempt.Evaluate(ledger.AttemptSummary{}, cfg, t0)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1, d.AttemptNumber)
	}
}

func TestEvaluate_FourthAttemptExhaustedRegardlessOfTime(t *testing.T) {
	// GIVEN: maxAttempts=3, allowRetry=true, retryDelayMinutes=10 and 3 attempts made
	// WHEN: A 4th attempt arrives after any delay
	// THEN: attempts-exhausted
	cfg := attempt.Config{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 10}
	for _, elapsed := range []time.Duration{0, 5 * time.Minute, 10 * time.Minute, 24 * time.Hour, 365 * 24 * time.Hour} {
		d := attempt.Evaluate(summary(3, t0), cfg, t0.Add(elapsed))
		assert.False(t, d.Allowed, "elapsed=%s", elapsed)
		assert.Equal(t, attempt.ReasonExhausted, d.Reason)
		assert.Nil(t, d.RetryAvailableAt)
		assert.Equal(t, 0, d.AttemptsRemaining)
	}
}

func TestEvaluate_CooldownReportsExactRetryTime(t *testing.T) {
	// GIVEN: retryDelayMinutes=10, previous attempt at t0
	// WHEN: Next attempt at t0+5min
	// THEN: retry-cooldown, retryAvailableAt exactly 5 minutes after now
	cfg := attempt.Config{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 10}
	now := t0.Add(5 * time.Minute)

	d := attempt.Evaluate(summary(1, t0), cfg, now)

	assert.False(t, d.Allowed)
	assert.Equal(t, attempt.ReasonCooldown, d.Reason)
	require.NotNil(t, d.RetryAvailableAt)
	assert.Equal(t, 5*time.Minute, d.RetryAvailableAt.Sub(now))
	assert.True(t, d.RetryAvailableAt.Equal(t0.Add(10*time.Minute)))
}

func TestEvaluate_AllowedOnceCooldownElapses(t *testing.T) {
	cfg := attempt.Config{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 10}

	d := attempt.Evaluate(summary(1, t0), cfg, t0.Add(10*time.Minute))
	assert.True(t, d.Allowed, "boundary is inclusive")
	assert.Equal(t, 2, d.AttemptNumber)
	assert.Equal(t, 2, d.AttemptsRemaining)
}

func TestEvaluate_RetryDisabled(t *testing.T) {
	cfg := attempt.Config{MaxAttempts: 5, AllowRetry: false}
	d := attempt.Evaluate(summary(1, t0), cfg, t0.Add(time.Hour))
	assert.False(t, d.Allowed)
	assert.Equal(t, attempt.ReasonRetryOff, d.Reason)
}

func TestEvaluate_ExhaustedTakesPrecedenceOverRetryDisabled(t *testing.T) {
	cfg := attempt.Config{MaxAttempts: 1, AllowRetry: false}
	d := attempt.Evaluate(summary(1, t0), cfg, t0.Add(time.Hour))
	assert.Equal(t, attempt.ReasonExhausted, d.Reason)
}

func TestEvaluate_UnlimitedAttempts(t *testing.T) {
	cfg := attempt.Config{MaxAttempts: 0, AllowRetry: true}
	d := attempt.Evaluate(summary(500, t0), cfg, t0)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, d.AttemptsRemaining)
}

func TestDecision_Err(t *testing.T) {
	cfg := attempt.Config{MaxAttempts: 3, AllowRetry: true, RetryDelayMinutes: 10}

	assert.NoError(t, attempt.Evaluate(summary(0, time.Time{}), cfg, t0).Err())

	err := attempt.Evaluate(summary(1, t0), cfg, t0).Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrPolicyRejection)
	var rej *ledger.PolicyRejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, string(attempt.ReasonCooldown), rej.Reason)
}

func TestGate_CheckUsesSnapshotAndClock(t *testing.T) {
	p := ledger.NewUserProgress("u1")
	p.Attempts["ex-1"] = summary(2, t0)

	g := attempt.NewGate(func() time.Time { return t0.Add(time.Minute) })
	d := g.Check(p, "ex-1", attempt.Config{MaxAttempts: 2, AllowRetry: true})
	assert.Equal(t, attempt.ReasonExhausted, d.Reason)

	d = g.Check(p, "ex-other", attempt.Config{MaxAttempts: 2, AllowRetry: true})
	assert.True(t, d.Allowed)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, attempt.Config{MaxAttempts: 3, RetryDelayMinutes: 0}.Validate())
	assert.ErrorIs(t, attempt.Config{RetryDelayMinutes: -1}.Validate(), ledger.ErrValidation)
}
