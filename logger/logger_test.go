package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestCategoryAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})
	defer Init(nil)

	Category("collector").WithJob("job-1").Info("batch done")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if entry[FieldCategory] != "collector" {
		t.Errorf("category = %v, want collector", entry[FieldCategory])
	}
	if entry[FieldJobID] != "job-1" {
		t.Errorf("job_id = %v, want job-1", entry[FieldJobID])
	}
	if entry["message"] != "batch done" {
		t.Errorf("message = %v", entry["message"])
	}
}

func TestSetLevelGatesOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: "info", Format: "text", Output: &buf})
	defer Init(nil)

	log := Category("monitor")
	log.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug message written at info level")
	}

	if !SetLevel("debug") {
		t.Fatal("SetLevel(debug) returned false")
	}
	log.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("debug message missing after SetLevel(debug): %s", buf.String())
	}

	if SetLevel("loud") {
		t.Error("SetLevel accepted an unknown level")
	}
	if GetLevel() != "debug" {
		t.Errorf("level = %s, want debug", GetLevel())
	}
}

func TestIsValidLevel(t *testing.T) {
	cases := map[string]bool{"info": true, "WARN": true, " error ": true, "verbose": false, "": false}
	for in, want := range cases {
		if got := IsValidLevel(in); got != want {
			t.Errorf("IsValidLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
