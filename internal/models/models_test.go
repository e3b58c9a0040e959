// Package models tests for data model definitions.
package models

import (
	"testing"
	"time"
)

// =====================================================
// UUID Type Tests
// =====================================================

func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    UUID
		wantErr bool
	}{
		{"nil", nil, "", false},
		{"bytes", []byte("abc"), "abc", false},
		{"string", "def", "def", false},
		{"int", 42, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
			}
			if u != tt.want {
				t.Errorf("Scan() = %q, want %q", u, tt.want)
			}
		})
	}
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	if got := FromMillis(Millis(now)); !got.Equal(now) {
		t.Errorf("FromMillis(Millis(t)) = %v, want %v", got, now)
	}
}

// =====================================================
// Operation Tests
// =====================================================

func TestParseOperation(t *testing.T) {
	tests := []struct {
		in      string
		want    Operation
		wantErr bool
	}{
		{"CREATE", OperationCreate, false},
		{"update", OperationUpdate, false},
		{" Delete ", OperationDelete, false},
		{"activate", OperationActivate, false},
		{"UPSERT", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOperation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOperation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseOperation(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// SyncQueueItem Tests
// =====================================================

func TestSyncQueueItem_TableName(t *testing.T) {
	if (SyncQueueItem{}).TableName() != "sync_queue" {
		t.Error("TableName() should be sync_queue")
	}
	if (SyncLogEntry{}).TableName() != "sync_log" {
		t.Error("TableName() should be sync_log")
	}
}

// =====================================================
// SyncLogEntry Tests
// =====================================================

func TestRunStatus(t *testing.T) {
	tests := []struct {
		succeeded, failed int
		want              SyncLogStatus
	}{
		{0, 0, SyncLogSuccess},
		{3, 0, SyncLogSuccess},
		{0, 2, SyncLogFailed},
		{1, 1, SyncLogPartial},
	}
	for _, tt := range tests {
		if got := RunStatus(tt.succeeded, tt.failed); got != tt.want {
			t.Errorf("RunStatus(%d, %d) = %v, want %v", tt.succeeded, tt.failed, got, tt.want)
		}
	}
}
