package types

import (
	"testing"
	"time"
)

func TestRole_Accepts(t *testing.T) {
	tests := []struct {
		role        Role
		fileName    string
		contentType string
		want        bool
	}{
		{RoleVideo, "capture.mp4", "video/mp4", true},
		{RoleVideo, "capture.MP4", "", true},
		{RoleVideo, "capture.bin", "video/mp4", true},
		{RoleVideo, "capture.mov", "video/quicktime", false},
		{RoleVideo, "capture.zip", "application/zip", false},
		{RoleLogs, "bundle.zip", "application/zip", true},
		{RoleLogs, "events.json", "", true},
		{RoleLogs, "server.log", "application/octet-stream", true},
		{RoleLogs, "server.txt", "text/plain; charset=utf-8", true},
		{RoleLogs, "server.exe", "application/octet-stream", false},
		{RoleLogs, "capture.mp4", "video/mp4", false},
		{Role("other"), "bundle.zip", "application/zip", false},
	}

	for _, tt := range tests {
		if got := tt.role.Accepts(tt.fileName, tt.contentType); got != tt.want {
			t.Errorf("%s.Accepts(%q, %q) = %v, want %v", tt.role, tt.fileName, tt.contentType, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("video"); !ok || r != RoleVideo {
		t.Errorf("ParseRole(video) = %q, %v", r, ok)
	}
	if r, ok := ParseRole(" logs "); !ok || r != RoleLogs {
		t.Errorf("ParseRole(logs) = %q, %v", r, ok)
	}
	if _, ok := ParseRole("audio"); ok {
		t.Error("ParseRole(audio) should not be valid")
	}
}

func TestIncident_AppendFileDeduplicatesByKey(t *testing.T) {
	inc := NewIncident("inc-1", time.Now(), IncidentInput{Email: "ops@example.com"})
	if inc.ReportStatus() != ReportNone {
		t.Fatalf("new incident report status = %q, want none", inc.ReportStatus())
	}

	f := IncidentFile{Role: RoleVideo, ObjectKey: "incidents/inc-1/video/1_a.mp4", FileName: "a.mp4", Size: 10}
	if !inc.AppendFile(f) {
		t.Fatal("first append should change the file list")
	}
	if inc.AppendFile(f) {
		t.Fatal("second append of the same key should be a no-op")
	}
	if len(inc.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(inc.Files))
	}

	g := IncidentFile{Role: RoleLogs, ObjectKey: "incidents/inc-1/logs/2_b.zip", FileName: "b.zip", Size: 20}
	inc.AppendFile(g)
	if inc.Files[0].ObjectKey != f.ObjectKey || inc.Files[1].ObjectKey != g.ObjectKey {
		t.Error("files should keep completion order")
	}
	if !inc.HasFile(g.ObjectKey) || inc.HasFile("incidents/inc-1/logs/missing") {
		t.Error("HasFile mismatch")
	}
}

func TestIDGenerator_Ordering(t *testing.T) {
	g := NewIDGenerator()
	now := time.Now()

	prev := g.NewWithTime(now)
	for i := 0; i < 100; i++ {
		next := g.NewWithTime(now)
		if next <= prev {
			t.Fatalf("id %q not greater than %q", next, prev)
		}
		prev = next
	}

	later := g.NewWithTime(now.Add(time.Second))
	if later <= prev {
		t.Errorf("later id %q not greater than %q", later, prev)
	}

	ts, err := IDTime(later)
	if err != nil {
		t.Fatalf("IDTime: %v", err)
	}
	if ts.UnixMilli() != now.Add(time.Second).UnixMilli() {
		t.Errorf("IDTime = %v, want %v", ts, now.Add(time.Second))
	}

	if _, err := IDTime("not-an-id"); err == nil {
		t.Error("IDTime should reject malformed ids")
	}
}
