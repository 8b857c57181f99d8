// Package evidence builds and verifies signed evidence bundles. A
// bundle is a tamper-evident record of a finished run: a canonical
// summary signed by the KMS, plus the normalized metrics, the gate
// evaluation, and per-device aggregates. Verification needs only the
// bundle bytes and the public key for its key id.
package evidence

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/edgegate/edgegate/internal/canonical"
)

// Summary is the signed portion of a bundle. It is self-contained:
// every identifier needed to interpret the signature travels inside it.
type Summary struct {
	RunID             string   `json:"run_id"`
	WorkspaceID       string   `json:"workspace_id"`
	PipelineID        string   `json:"pipeline_id"`
	PipelineName      string   `json:"pipeline_name"`
	ModelArtifactID   string   `json:"model_artifact_id"`
	ModelSHA256       string   `json:"model_sha256"`
	Status            string   `json:"status"`
	Trigger           string   `json:"trigger"`
	CreatedAt         string   `json:"created_at"`
	CompletedAt       string   `json:"completed_at"`
	GatesPassed       bool     `json:"gates_passed"`
	GateCount         int      `json:"gate_count"`
	GatesEvaluated    int      `json:"gates_evaluated"`
	GatesFailed       []string `json:"gates_failed"`
	DevicesTested     []string `json:"devices_tested"`
	PromptPackID      string   `json:"promptpack_id"`
	PromptPackVersion string   `json:"promptpack_version"`
	PromptPackSHA256  string   `json:"promptpack_sha256"`
}

// SignedSummary pairs the summary with its Ed25519 signature.
type SignedSummary struct {
	Summary   Summary `json:"summary"`
	Signature string  `json:"signature"`
	KeyID     string  `json:"key_id"`
}

// GateResult is one gate outcome inside a bundle. Actual is nil when
// the metric was absent from the aggregated output; it encodes as JSON
// null, since NaN has no JSON representation.
type GateResult struct {
	Metric      string   `json:"metric"`
	Operator    string   `json:"operator"`
	Threshold   float64  `json:"threshold"`
	Actual      *float64 `json:"actual"`
	Passed      bool     `json:"passed"`
	Flaky       bool     `json:"flaky,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

// GatesEval is the full evaluation record: every gate outcome, never
// short-circuited.
type GatesEval struct {
	Passed bool         `json:"passed"`
	Gates  []GateResult `json:"gates"`
}

// Bundle is the stored evidence document.
type Bundle struct {
	SignedSummary     SignedSummary                 `json:"signed_summary"`
	NormalizedMetrics map[string]float64            `json:"normalized_metrics"`
	GatesEval         GatesEval                     `json:"gates_eval"`
	DeviceResults     map[string]map[string]float64 `json:"device_results"`
}

// Signer is the signing surface the builder needs from the KMS.
type Signer interface {
	Sign(data []byte) (keyID string, signature []byte, err error)
}

// SummaryBytes returns the compact canonical form of a summary, the
// exact bytes covered by the signature.
func SummaryBytes(s Summary) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	v, err := canonical.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return canonical.Marshal(v)
}

// Build signs the summary and assembles the bundle document. The
// returned bytes are the indented canonical encoding that gets stored
// as a kind=bundle artifact.
func Build(signer Signer, summary Summary, metrics map[string]float64, eval GatesEval, deviceResults map[string]map[string]float64) (*Bundle, []byte, error) {
	signed, err := SummaryBytes(summary)
	if err != nil {
		return nil, nil, err
	}
	keyID, sig, err := signer.Sign(signed)
	if err != nil {
		return nil, nil, fmt.Errorf("sign summary: %w", err)
	}

	if metrics == nil {
		metrics = map[string]float64{}
	}
	if deviceResults == nil {
		deviceResults = map[string]map[string]float64{}
	}
	bundle := &Bundle{
		SignedSummary: SignedSummary{
			Summary:   summary,
			Signature: base64.StdEncoding.EncodeToString(sig),
			KeyID:     keyID,
		},
		NormalizedMetrics: metrics,
		GatesEval:         eval,
		DeviceResults:     deviceResults,
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal bundle: %w", err)
	}
	v, err := canonical.Decode(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("decode bundle: %w", err)
	}
	data, err := canonical.MarshalIndent(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}
	return bundle, data, nil
}

// Parse decodes stored bundle bytes.
func Parse(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	return &b, nil
}

// Verify recomputes the canonical summary bytes and checks the
// signature against the given raw Ed25519 public key. No database or
// KMS access is needed, which is what makes offline audit possible.
func Verify(bundle *Bundle, publicKey []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(publicKey))
	}
	sig, err := base64.StdEncoding.DecodeString(bundle.SignedSummary.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	data, err := SummaryBytes(bundle.SignedSummary.Summary)
	if err != nil {
		return false, err
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, sig), nil
}
