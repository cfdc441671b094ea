package evidence

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/zen-systems/routecore/pkg/crypto"
	"github.com/zen-systems/routecore/pkg/memory"
)

func sampleLog(id string) memory.DecisionLog {
	return memory.DecisionLog{
		DecisionID: id,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Summary: memory.Summary{
			IntentID:   "analysis.competitive",
			Complexity: "composite",
			Risk:       "medium",
		},
		Router:  memory.RouterOutput{IntentID: "analysis.competitive", Confidence: 0.8},
		Outcome: memory.Outcome{Executed: true, Success: true, LatencyMs: 120},
	}
}

func newSignedWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	keyDir := t.TempDir()
	signer, err := crypto.NewSigner(keyDir, "audit")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	w, err := NewWriter(filepath.Join(t.TempDir(), "evidence"), signer, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w, keyDir
}

func TestEvidenceWriter(t *testing.T) {
	w, keyDir := newSignedWriter(t)

	dir, err := w.Write(sampleLog("d-123"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, name := range []string{decisionFile, manifestFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
	if runtime.GOOS != "windows" {
		assertPerm(t, dir, 0700)
		assertPerm(t, filepath.Join(dir, decisionFile), 0600)
		assertPerm(t, filepath.Join(dir, manifestFile), 0600)
	}

	log, err := Verify(dir, keyDir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if log.Router.IntentID != "analysis.competitive" {
		t.Fatalf("unexpected intent %q", log.Router.IntentID)
	}
}

func TestWriteRefusesOverwrite(t *testing.T) {
	w, _ := newSignedWriter(t)
	if _, err := w.Write(sampleLog("d-1")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write(sampleLog("d-1")); err == nil {
		t.Fatal("expected second write to fail")
	}
}

func TestWriteRejectsUnsafeIDs(t *testing.T) {
	w, _ := newSignedWriter(t)
	for _, id := range []string{"", "..", "../escape", "a/b"} {
		if _, err := w.Write(sampleLog(id)); err == nil {
			t.Errorf("expected id %q to be rejected", id)
		}
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	w, keyDir := newSignedWriter(t)
	dir, err := w.Write(sampleLog("d-2"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	path := filepath.Join(dir, decisionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data = append(data, ' ')
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	if _, err := Verify(dir, keyDir); err == nil {
		t.Fatal("expected tampered bundle to fail verification")
	}
}

func TestVerifyUnsignedBundle(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	dir, err := w.Write(sampleLog("d-3"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Verify(dir, ""); err != nil {
		t.Fatalf("digest-only verify: %v", err)
	}
	if _, err := Verify(dir, t.TempDir()); err == nil {
		t.Fatal("expected unsigned bundle to fail signature verification")
	}
}

func TestHookLogsFailures(t *testing.T) {
	w, keyDir := newSignedWriter(t)
	hook := w.Hook()
	hook(sampleLog("d-4"))
	hook(sampleLog("d-4"))

	dir, err := w.Dir("d-4")
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	if _, err := Verify(dir, keyDir); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func assertPerm(t *testing.T, path string, expected os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if info.Mode().Perm() != expected {
		t.Fatalf("expected %s mode %o, got %o", path, expected, info.Mode().Perm())
	}
}
