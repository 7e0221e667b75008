package models

import "testing"

func TestRiskForAction(t *testing.T) {
	cases := []struct {
		action string
		want   string
	}{
		{ActionSignIn, RiskLow},
		{ActionSignOut, RiskLow},
		{ActionLoginFailed, RiskMedium},
		{ActionLoginBlocked, RiskMedium},
		{ActionSessionTerminated, RiskMedium},
		{ActionMFAEnabled, RiskMedium},
		{ActionMFADisabled, RiskMedium},
		{ActionSuspiciousLogin, RiskHigh},
		{ActionRepeatedBlocked, RiskCritical},
		{"something_else", RiskLow},
		{"", RiskLow},
	}

	for _, tc := range cases {
		if got := RiskForAction(tc.action); got != tc.want {
			t.Errorf("RiskForAction(%q) = %q, want %q", tc.action, got, tc.want)
		}
	}
}
