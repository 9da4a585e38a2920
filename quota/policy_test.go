// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quota

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validWeeklyPolicy() Policy {
	return Policy{
		Provider:           "kaggle",
		Class:              ClassOnDemandWeekly,
		MaxSessionDuration: 12 * time.Hour,
		SessionSafeCap:     11 * time.Hour,
		MaxWeekly:          30 * time.Hour,
		BandLow:            10*time.Hour + 30*time.Minute,
		BandHigh:           11 * time.Hour,
		StartJitter:        20 * time.Minute,
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr string
	}{
		{
			name:   "valid weekly",
			mutate: func(p *Policy) {},
		},
		{
			name: "valid cooldown",
			mutate: func(p *Policy) {
				p.Provider = "colab"
				p.Class = ClassFixedScheduleCooldown
				p.MaxWeekly = 0
				p.CooldownBase = 36 * time.Hour
				p.CooldownJitter = 4 * time.Hour
			},
		},
		{
			name:    "missing provider",
			mutate:  func(p *Policy) { p.Provider = "" },
			wantErr: "provider name is required",
		},
		{
			name:    "zero ceiling",
			mutate:  func(p *Policy) { p.MaxSessionDuration = 0 },
			wantErr: "max session duration",
		},
		{
			name:    "safe cap above ceiling",
			mutate:  func(p *Policy) { p.SessionSafeCap = 13 * time.Hour },
			wantErr: "session safe cap",
		},
		{
			name:    "weekly class without budget",
			mutate:  func(p *Policy) { p.MaxWeekly = 0 },
			wantErr: "weekly budget",
		},
		{
			name: "cooldown class without base",
			mutate: func(p *Policy) {
				p.Class = ClassFixedScheduleCooldown
				p.CooldownBase = 0
			},
			wantErr: "cooldown base",
		},
		{
			name:    "unknown class",
			mutate:  func(p *Policy) { p.Class = Class(42) },
			wantErr: "unknown class",
		},
		{
			name: "inverted band",
			mutate: func(p *Policy) {
				p.BandLow = 11 * time.Hour
				p.BandHigh = 10 * time.Hour
			},
			wantErr: "band is inverted",
		},
		{
			name:    "band above ceiling",
			mutate:  func(p *Policy) { p.BandHigh = 13 * time.Hour },
			wantErr: "exceeds the session ceiling",
		},
		{
			name:    "negative jitter",
			mutate:  func(p *Policy) { p.StartJitter = -time.Minute },
			wantErr: "jitter bounds",
		},
		{
			name:    "ratio out of range",
			mutate:  func(p *Policy) { p.WeeklyCriticalRatio = 1.5 },
			wantErr: "threshold ratios",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := validWeeklyPolicy()
			tt.mutate(&policy)
			err := policy.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate succeeded, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestPolicyValidateReportsAllProblems(t *testing.T) {
	policy := validWeeklyPolicy()
	policy.Provider = ""
	policy.MaxWeekly = 0

	err := policy.Validate()
	if err == nil {
		t.Fatal("Validate succeeded on a doubly-broken policy")
	}
	for _, want := range []string{"provider name is required", "weekly budget"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error %q does not mention %q", err, want)
		}
	}
}

func TestParsePolicies(t *testing.T) {
	data := []byte(`{
		// Provider budgets, durations in seconds.
		"providers": [
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600,
				"max_weekly_seconds": 108000,
				"band_low_seconds": 37800,
				"band_high_seconds": 39600,
				"start_jitter_seconds": 1200,
				"weekly_critical_ratio": 0.87,
			},
			{
				"name": "colab",
				"class": "fixed-schedule-cooldown",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600,
				"cooldown_seconds": 129600,
				"cooldown_jitter_seconds": 14400,
				"band_low_seconds": 37800,
				"band_high_seconds": 39600,
			},
		],
	}`)

	policies, err := ParsePolicies(data)
	if err != nil {
		t.Fatalf("ParsePolicies: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(policies))
	}

	kaggle := policies["kaggle"]
	if kaggle.Class != ClassOnDemandWeekly {
		t.Errorf("kaggle class = %v, want %v", kaggle.Class, ClassOnDemandWeekly)
	}
	if kaggle.MaxSessionDuration != 12*time.Hour {
		t.Errorf("kaggle session ceiling = %v, want 12h", kaggle.MaxSessionDuration)
	}
	if kaggle.MaxWeekly != 30*time.Hour {
		t.Errorf("kaggle weekly budget = %v, want 30h", kaggle.MaxWeekly)
	}
	if kaggle.WeeklyCriticalRatio != 0.87 {
		t.Errorf("kaggle critical ratio = %v, want 0.87", kaggle.WeeklyCriticalRatio)
	}

	colab := policies["colab"]
	if colab.Class != ClassFixedScheduleCooldown {
		t.Errorf("colab class = %v, want %v", colab.Class, ClassFixedScheduleCooldown)
	}
	if colab.CooldownBase != 36*time.Hour {
		t.Errorf("colab cooldown base = %v, want 36h", colab.CooldownBase)
	}
	if colab.CooldownJitter != 4*time.Hour {
		t.Errorf("colab cooldown jitter = %v, want 4h", colab.CooldownJitter)
	}
}

func TestParsePoliciesRejectsUnknownField(t *testing.T) {
	data := []byte(`{
		"providers": [
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600,
				"max_weekly_secnods": 108000
			}
		]
	}`)

	if _, err := ParsePolicies(data); err == nil {
		t.Fatal("ParsePolicies accepted a misspelled field")
	}
}

func TestParsePoliciesRejectsDuplicateProvider(t *testing.T) {
	data := []byte(`{
		"providers": [
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600,
				"max_weekly_seconds": 108000
			},
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600,
				"max_weekly_seconds": 7200
			}
		]
	}`)

	_, err := ParsePolicies(data)
	if err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("ParsePolicies error = %v, want declared twice", err)
	}
}

func TestParsePoliciesRejectsUnknownClass(t *testing.T) {
	data := []byte(`{
		"providers": [
			{
				"name": "kaggle",
				"class": "pay-as-you-go",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600
			}
		]
	}`)

	if _, err := ParsePolicies(data); err == nil {
		t.Fatal("ParsePolicies accepted an unknown class")
	}
}

func TestParsePoliciesRejectsEmptyFile(t *testing.T) {
	_, err := ParsePolicies([]byte(`{"providers": []}`))
	if err == nil || !strings.Contains(err.Error(), "no providers") {
		t.Fatalf("ParsePolicies error = %v, want no providers", err)
	}
}

func TestParsePoliciesValidatesEntries(t *testing.T) {
	data := []byte(`{
		"providers": [
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 43200,
				"session_safe_cap_seconds": 39600
			}
		]
	}`)

	_, err := ParsePolicies(data)
	if err == nil || !strings.Contains(err.Error(), "weekly budget") {
		t.Fatalf("ParsePolicies error = %v, want weekly budget complaint", err)
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.jsonc")
	content := `{
		// Trimmed test budgets.
		"providers": [
			{
				"name": "kaggle",
				"class": "on-demand-weekly",
				"max_session_seconds": 3600,
				"session_safe_cap_seconds": 3000,
				"max_weekly_seconds": 7200,
			},
		],
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	policies, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("LoadPolicies: %v", err)
	}
	if policies["kaggle"].MaxSessionDuration != time.Hour {
		t.Errorf("session ceiling = %v, want 1h", policies["kaggle"].MaxSessionDuration)
	}
}

func TestLoadPoliciesMissingFile(t *testing.T) {
	_, err := LoadPolicies(filepath.Join(t.TempDir(), "absent.jsonc"))
	if err == nil {
		t.Fatal("LoadPolicies succeeded on a missing file")
	}
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies()

	for name, policy := range policies {
		if name != policy.Provider {
			t.Errorf("map key %q does not match provider %q", name, policy.Provider)
		}
		if err := policy.Validate(); err != nil {
			t.Errorf("default policy %q invalid: %v", name, err)
		}
	}

	kaggle, ok := policies["kaggle"]
	if !ok {
		t.Fatal("no default kaggle policy")
	}
	if kaggle.Class != ClassOnDemandWeekly || kaggle.MaxWeekly != 30*time.Hour {
		t.Errorf("kaggle defaults = %v class, %v weekly; want weekly class with 30h budget",
			kaggle.Class, kaggle.MaxWeekly)
	}

	colab, ok := policies["colab"]
	if !ok {
		t.Fatal("no default colab policy")
	}
	if colab.Class != ClassFixedScheduleCooldown || colab.CooldownBase != 36*time.Hour {
		t.Errorf("colab defaults = %v class, %v cooldown; want cooldown class with 36h base",
			colab.Class, colab.CooldownBase)
	}
}

func TestPolicyLimitsBridge(t *testing.T) {
	policy := validWeeklyPolicy()
	policy.SessionWarningRatio = 0.5
	policy.WeeklyWarningRatio = 0.55
	policy.WeeklyCriticalRatio = 0.9

	limits := policy.Limits()
	if limits.SessionCeiling != policy.MaxSessionDuration {
		t.Errorf("SessionCeiling = %v, want %v", limits.SessionCeiling, policy.MaxSessionDuration)
	}
	if limits.SessionSafeCap != policy.SessionSafeCap {
		t.Errorf("SessionSafeCap = %v, want %v", limits.SessionSafeCap, policy.SessionSafeCap)
	}
	if limits.WeeklyCeiling != policy.MaxWeekly {
		t.Errorf("WeeklyCeiling = %v, want %v", limits.WeeklyCeiling, policy.MaxWeekly)
	}
	if limits.SessionWarningRatio != 0.5 || limits.WeeklyWarningRatio != 0.55 || limits.WeeklyCriticalRatio != 0.9 {
		t.Errorf("ratios = %v/%v/%v, want 0.5/0.55/0.9",
			limits.SessionWarningRatio, limits.WeeklyWarningRatio, limits.WeeklyCriticalRatio)
	}
}

func TestPolicyCadenceBridge(t *testing.T) {
	policy := validWeeklyPolicy()
	policy.CooldownJitter = time.Hour

	cadencePolicy := policy.Cadence()
	if cadencePolicy.Ceiling != policy.MaxSessionDuration {
		t.Errorf("Ceiling = %v, want %v", cadencePolicy.Ceiling, policy.MaxSessionDuration)
	}
	if cadencePolicy.BandLow != policy.BandLow || cadencePolicy.BandHigh != policy.BandHigh {
		t.Errorf("band = %v..%v, want %v..%v",
			cadencePolicy.BandLow, cadencePolicy.BandHigh, policy.BandLow, policy.BandHigh)
	}
	if cadencePolicy.StartJitter != policy.StartJitter {
		t.Errorf("StartJitter = %v, want %v", cadencePolicy.StartJitter, policy.StartJitter)
	}
	if cadencePolicy.CooldownJitter != time.Hour {
		t.Errorf("CooldownJitter = %v, want 1h", cadencePolicy.CooldownJitter)
	}
}
