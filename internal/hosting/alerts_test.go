package hosting

import (
	"strings"
	"testing"
	"time"
)

func TestFormatAlert(t *testing.T) {
	event := AlertEvent{
		Kind:           AlertInsufficientFunds,
		InstanceID:     "i-1",
		AssetID:        "asset-1",
		OrganizationID: "org-1",
		Reason:         StopReasonInsufficientFunds,
		At:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	msg := formatAlert(event)
	for _, want := range []string{"insufficient funds", "`i-1`", "`asset-1`", "`org-1`", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("alert message missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatAlertUnknownKind(t *testing.T) {
	msg := formatAlert(AlertEvent{Kind: AlertKind("other"), InstanceID: "i-1", At: time.Now().UTC()})
	if !strings.Contains(msg, "hosting alert") {
		t.Fatalf("expected generic header, got:\n%s", msg)
	}
}

func TestNilAlerterIsNoOp(t *testing.T) {
	var alerter *DiscordAlerter
	// Must not panic.
	alerter.Notify(nil, AlertEvent{Kind: AlertForceStop, InstanceID: "i-1"})
}
