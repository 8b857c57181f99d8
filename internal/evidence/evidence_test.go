package evidence

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ed25519Signer signs with a fixed test key.
type ed25519Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

func (s *ed25519Signer) Sign(data []byte) (string, []byte, error) {
	return s.keyID, ed25519.Sign(s.priv, data), nil
}

func newSigner(t *testing.T) (*ed25519Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &ed25519Signer{keyID: "key-v1700000000", priv: priv}, pub
}

func testSummary() Summary {
	return Summary{
		RunID:             "0b44cc7c-5a61-4a2e-9f5a-111111111111",
		WorkspaceID:       "0b44cc7c-5a61-4a2e-9f5a-222222222222",
		PipelineID:        "0b44cc7c-5a61-4a2e-9f5a-333333333333",
		PipelineName:      "nightly-regression",
		Status:            "passed",
		Trigger:           "ci",
		CreatedAt:         time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
		CompletedAt:       time.Date(2026, 8, 1, 10, 20, 0, 0, time.UTC).Format(time.RFC3339Nano),
		GatesPassed:       true,
		GateCount:         2,
		GatesEvaluated:    2,
		GatesFailed:       []string{},
		DevicesTested:     []string{"sm8650", "sm8550"},
		PromptPackID:      "packs/common-sense",
		PromptPackVersion: "1.2.0",
		PromptPackSHA256:  strings.Repeat("ab", 32),
	}
}

func TestBuildAndVerify(t *testing.T) {
	signer, pub := newSigner(t)

	metrics := map[string]float64{"inference_time_ms": 41, "peak_memory_mb": 512}
	actual := 41.0
	eval := GatesEval{Passed: true, Gates: []GateResult{
		{Metric: "inference_time_ms", Operator: "lt", Threshold: 50, Actual: &actual, Passed: true},
	}}
	devices := map[string]map[string]float64{
		"sm8650": {"inference_time_ms": 41},
	}

	bundle, data, err := Build(signer, testSummary(), metrics, eval, devices)
	require.NoError(t, err)
	require.NotNil(t, bundle)
	assert.Equal(t, "key-v1700000000", bundle.SignedSummary.KeyID)

	ok, err := Verify(bundle, pub)
	require.NoError(t, err)
	assert.True(t, ok)

	// The serialized document parses back to an equally verifiable
	// bundle.
	parsed, err := Parse(data)
	require.NoError(t, err)
	ok, err = Verify(parsed, pub)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetectsSummaryTamper(t *testing.T) {
	signer, pub := newSigner(t)

	bundle, _, err := Build(signer, testSummary(), nil, GatesEval{Passed: true}, nil)
	require.NoError(t, err)

	bundle.SignedSummary.Summary.Status = "failed"
	ok, err := Verify(bundle, pub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWrongKey(t *testing.T) {
	signer, _ := newSigner(t)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, _, err := Build(signer, testSummary(), nil, GatesEval{}, nil)
	require.NoError(t, err)

	ok, err := Verify(bundle, otherPub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRejectsBadKeyLength(t *testing.T) {
	signer, _ := newSigner(t)
	bundle, _, err := Build(signer, testSummary(), nil, GatesEval{}, nil)
	require.NoError(t, err)

	_, err = Verify(bundle, []byte("not a key"))
	assert.Error(t, err)
}

func TestSummaryBytesAreCanonical(t *testing.T) {
	a, err := SummaryBytes(testSummary())
	require.NoError(t, err)
	b, err := SummaryBytes(testSummary())
	require.NoError(t, err)
	assert.Equal(t, a, b)
	// Compact form, no indentation.
	assert.NotContains(t, string(a), "\n")
}

func TestBuildFillsEmptyCollections(t *testing.T) {
	signer, _ := newSigner(t)

	bundle, data, err := Build(signer, testSummary(), nil, GatesEval{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, bundle.NormalizedMetrics)
	assert.NotNil(t, bundle.DeviceResults)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"signed_summary", "normalized_metrics", "gates_eval", "device_results"} {
		assert.Contains(t, doc, key)
	}
}
