package model

import (
	"encoding/json"
	"testing"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"all", SeverityAll, false},
		{"todas", SeverityAll, false},
		{"minor", SeverityMinor, false},
		{"menor", SeverityMinor, false},
		{"moderate", SeverityModerate, false},
		{"Moderada", SeverityModerate, false},
		{"MAJOR", SeverityMajor, false},
		{"  mayor ", SeverityMajor, false},
		{"enorme", SeverityAll, true},
		{"", SeverityAll, true},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSeverityPermits(t *testing.T) {
	tests := []struct {
		filter Severity
		alert  Severity
		want   bool
	}{
		{SeverityAll, SeverityMinor, true},
		{SeverityAll, SeverityMajor, true},
		{SeverityMinor, SeverityMinor, true},
		{SeverityModerate, SeverityMinor, false},
		{SeverityModerate, SeverityModerate, true},
		{SeverityModerate, SeverityMajor, true},
		{SeverityMajor, SeverityModerate, false},
		{SeverityMajor, SeverityMajor, true},
	}
	for _, tt := range tests {
		if got := tt.filter.Permits(tt.alert); got != tt.want {
			t.Errorf("filter %v: Permits(%v) = %v, want %v", tt.filter, tt.alert, got, tt.want)
		}
	}
}

func TestSeverityJSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(SeverityModerate)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"moderate"` {
		t.Fatalf("marshal = %s, want %q", b, "moderate")
	}
	var s Severity
	if err := json.Unmarshal([]byte(`"mayor"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != SeverityMajor {
		t.Fatalf("unmarshal = %v, want %v", s, SeverityMajor)
	}
	if err := json.Unmarshal([]byte(`"whatever"`), &s); err == nil {
		t.Fatal("unmarshal accepted an unknown severity")
	}
}
