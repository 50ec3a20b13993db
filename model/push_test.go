package model

import (
	"encoding/json"
	"testing"
)

func TestSubscriptionStatusText(t *testing.T) {
	var st SubscriptionState
	if err := json.Unmarshal([]byte(`{"status":"supported-unsubscribed"}`), &st); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if st.Status != StatusSupportedUnsubscribed {
		t.Errorf("got %v, want %v", st.Status, StatusSupportedUnsubscribed)
	}
	if err := json.Unmarshal([]byte(`{"status":"maybe"}`), &st); err == nil {
		t.Errorf("unknown status accepted")
	}
}
