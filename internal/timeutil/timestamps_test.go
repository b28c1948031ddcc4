package timeutil

import (
	"testing"
	"time"
)

func TestParseFlexible(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"rfc3339 zulu", "2025-09-28T11:00:00Z", "2025-09-28T11:00:00Z", false},
		{"rfc3339 offset", "2025-09-28T13:00:00+02:00", "2025-09-28T11:00:00Z", false},
		{"naive datetime", "2025-09-28T11:00:00", "2025-09-28T11:00:00Z", false},
		{"space separator", "2025-09-28 11:00:00", "2025-09-28T11:00:00Z", false},
		{"date only", "2025-09-28", "2025-09-28T00:00:00Z", false},
		{"epoch seconds", "1700000000", "2023-11-14T22:13:20Z", false},
		{"empty", "", "", true},
		{"garbage", "afternoon pass", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlexible(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseFlexible(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFlexible(%q) returned error: %v", tt.input, err)
			}
			if iso := ISOFormat(got); iso != tt.want {
				t.Errorf("ParseFlexible(%q) = %s, want %s", tt.input, iso, tt.want)
			}
		})
	}
}

func TestChannelSuffix(t *testing.T) {
	ts, err := ParseFlexible("2025-09-28T11:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if got := ChannelSuffix(ts); got != "20250928T110000Z" {
		t.Errorf("ChannelSuffix = %s, want 20250928T110000Z", got)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		label string
		want  string
	}{
		{"Morning Pass 3", "morning-pass-3"},
		{"  sortie/alpha  ", "sortie-alpha"},
		{"UPPER", "upper"},
		{"---", ""},
		{"already-slugged", "already-slugged"},
	}
	for _, tt := range tests {
		if got := Slug(tt.label); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.label, got, tt.want)
		}
	}
}

func TestMockClockSleepRecording(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	clock.Sleep(200 * time.Millisecond)
	clock.Sleep(time.Second)
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 200*time.Millisecond || sleeps[1] != time.Second {
		t.Errorf("unexpected sleeps: %v", sleeps)
	}
	if got := clock.Now(); got != time.Unix(0, 0).Add(1200*time.Millisecond) {
		t.Errorf("clock did not advance with sleeps: %v", got)
	}
}

func TestEpochHelpers(t *testing.T) {
	ts := time.Date(2025, 9, 28, 11, 0, 0, 500000000, time.UTC)
	if got := EpochMillis(ts); got != ts.UnixNano()/1e6 {
		t.Errorf("EpochMillis = %d", got)
	}
	round := FromEpochSeconds(EpochSeconds(ts))
	if round.Sub(ts) > time.Microsecond || ts.Sub(round) > time.Microsecond {
		t.Errorf("epoch round trip drifted: %v vs %v", round, ts)
	}
}
