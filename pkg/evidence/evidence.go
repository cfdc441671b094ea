// Package evidence writes a signed, tamper-evident audit trail of routing
// decisions to disk. Each decision gets its own directory holding the
// decision log and a manifest with its digest and signature.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zen-systems/routecore/pkg/crypto"
	"github.com/zen-systems/routecore/pkg/memory"
)

const (
	decisionFile = "decision.json"
	manifestFile = "manifest.json"
)

// Manifest binds a decision file to its digest and signature.
type Manifest struct {
	DecisionID string            `json:"decision_id"`
	WrittenAt  time.Time         `json:"written_at"`
	SHA256     string            `json:"sha256"`
	Signature  *crypto.Signature `json:"signature,omitempty"`
}

// Writer writes evidence bundles under baseDir.
type Writer struct {
	baseDir string
	signer  *crypto.Signer
	logger  *slog.Logger
}

// NewWriter creates baseDir if needed. A nil signer writes unsigned
// manifests.
func NewWriter(baseDir string, signer *crypto.Signer, logger *slog.Logger) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{baseDir: baseDir, signer: signer, logger: logger}, nil
}

// Dir returns the bundle directory for a decision id.
func (w *Writer) Dir(decisionID string) (string, error) {
	return safeJoin(w.baseDir, decisionID)
}

// Write stores log and its manifest. Existing bundles are never
// overwritten.
func (w *Writer) Write(log memory.DecisionLog) (string, error) {
	dir, err := w.Dir(log.DecisionID)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0700); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("evidence for %s already exists", log.DecisionID)
		}
		return "", err
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, decisionFile), data, 0600); err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	m := Manifest{
		DecisionID: log.DecisionID,
		WrittenAt:  time.Now().UTC(),
		SHA256:     hex.EncodeToString(sum[:]),
	}
	if w.signer != nil {
		sig := w.signer.Sign(data)
		m.Signature = &sig
	}
	if err := writeJSON(filepath.Join(dir, manifestFile), m); err != nil {
		return "", err
	}
	return dir, nil
}

// Hook adapts Write to the routing memory's append hook. Failures are
// logged.
func (w *Writer) Hook() func(memory.DecisionLog) {
	return func(log memory.DecisionLog) {
		if _, err := w.Write(log); err != nil {
			w.logger.Warn("evidence write failed",
				slog.String("decision_id", log.DecisionID),
				slog.Any("error", err),
			)
		}
	}
}

// Verify checks a bundle's digest and, when keyDir is set, its signature.
// An unsigned bundle fails verification when keyDir is set.
func Verify(dir, keyDir string) (memory.DecisionLog, error) {
	var log memory.DecisionLog

	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return log, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return log, fmt.Errorf("parse manifest: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, decisionFile))
	if err != nil {
		return log, fmt.Errorf("read decision: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != m.SHA256 {
		return log, fmt.Errorf("hash mismatch for %s", decisionFile)
	}

	if keyDir != "" {
		if m.Signature == nil {
			return log, errors.New("bundle is not signed")
		}
		if err := crypto.Verify(keyDir, *m.Signature, data); err != nil {
			return log, err
		}
	}

	if err := json.Unmarshal(data, &log); err != nil {
		return log, fmt.Errorf("parse decision: %w", err)
	}
	if log.DecisionID != m.DecisionID {
		return log, fmt.Errorf("manifest names %s but decision is %s", m.DecisionID, log.DecisionID)
	}
	return log, nil
}

func safeJoin(base, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid decision id %q", name)
	}
	return filepath.Join(base, name), nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
