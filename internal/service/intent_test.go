package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		name       string
		intent     string
		defaultURL string
		want       schemas.Target
	}{
		{
			name:   "GoalBeforeURL",
			intent: "Test the login flow on https://app.test/login",
			want:   schemas.Target{URL: "https://app.test/login", Goal: "Test the login flow"},
		},
		{
			name:   "URLFirst",
			intent: "https://app.test/cart, check that coupons apply",
			want:   schemas.Target{URL: "https://app.test/cart", Goal: "check that coupons apply"},
		},
		{
			name:   "TrailingPunctuation",
			intent: "Please verify search at http://localhost:3000/search.",
			want:   schemas.Target{URL: "http://localhost:3000/search", Goal: "Please verify search"},
		},
		{
			name:   "URLOnly",
			intent: "https://app.test",
			want:   schemas.Target{URL: "https://app.test", Goal: "Explore https://app.test and verify its main functionality"},
		},
		{
			name:       "DefaultTarget",
			intent:     "check the signup form",
			defaultURL: "https://staging.app.test",
			want:       schemas.Target{URL: "https://staging.app.test", Goal: "check the signup form"},
		},
		{
			name:       "IntentURLWins",
			intent:     "smoke test https://prod.app.test",
			defaultURL: "https://staging.app.test",
			want:       schemas.Target{URL: "https://prod.app.test", Goal: "smoke test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIntent(tt.intent, tt.defaultURL)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIntent_Errors(t *testing.T) {
	_, err := ParseIntent("   ", "")
	assert.ErrorContains(t, err, "empty")

	_, err = ParseIntent("test the login page", "")
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = ParseIntent("test the login page", "ftp://files.test")
	assert.ErrorContains(t, err, "invalid target URL")
}

func TestTrimDanglingPreposition(t *testing.T) {
	assert.Equal(t, "Check checkout", trimDanglingPreposition("Check checkout on"))
	assert.Equal(t, "on", trimDanglingPreposition("on"))
	assert.Equal(t, "Review pricing", trimDanglingPreposition("Review pricing"))
}
