package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextFireTime(t *testing.T) {
	sched := NewCronSchedule()
	from := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "every minute",
			expr: "* * * * *",
			want: time.Date(2026, 3, 15, 10, 31, 0, 0, time.UTC),
		},
		{
			name: "daily at 6am",
			expr: "0 6 * * *",
			want: time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "hourly on the hour",
			expr: "0 * * * *",
			want: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "daily descriptor",
			expr: "@daily",
			want: time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly on sunday",
			expr: "0 8 * * 0",
			want: time.Date(2026, 3, 22, 8, 0, 0, 0, time.UTC), // March 15 2026 is a Sunday
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sched.NextFireTime(tt.expr, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextFireTimeStrictlyAfter(t *testing.T) {
	sched := NewCronSchedule()

	// A job due exactly on the boundary must get the following slot
	from := time.Date(2026, 3, 15, 6, 0, 0, 0, time.UTC)
	got, err := sched.NextFireTime("0 6 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC), got)
}

func TestNextFireTimeInvalidExpression(t *testing.T) {
	sched := NewCronSchedule()

	for _, expr := range []string{"", "not a cron", "99 * * * *", "* * * *"} {
		_, err := sched.NextFireTime(expr, time.Now())
		assert.Error(t, err, "expr %q should not parse", expr)
	}
}

func TestValidateCron(t *testing.T) {
	sched := NewCronSchedule()

	assert.NoError(t, sched.ValidateCron("*/5 * * * *"))
	assert.NoError(t, sched.ValidateCron("@hourly"))
	assert.Error(t, sched.ValidateCron("every tuesday"))
}
