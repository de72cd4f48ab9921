package bb

import "testing"

func TestValidatePlayerState(t *testing.T) {
	state := PlayerState{
		Status: StatePlaying,
		URL:    "https://cdn.example.com/a.png",
		Kind:   "image",
		Index:  2,
		Length: 5,
		Cursor: 3,
		TS:     1,
	}
	if err := ValidatePlayerState(state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state.Status = "dancing"
	if err := ValidatePlayerState(state); err == nil {
		t.Fatalf("expected unknown status error")
	}

	state.Status = StatePlaying
	state.Index = 9
	if err := ValidatePlayerState(state); err == nil {
		t.Fatalf("expected index range error")
	}
}

func TestValidatePresenceMissingFields(t *testing.T) {
	if err := ValidatePresence(Presence{}); err == nil {
		t.Fatalf("expected error")
	}
	p := Presence{NodeID: "billboard-01", Kind: "billboard", TS: 1}
	if err := ValidatePresence(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTopics(t *testing.T) {
	if got := TopicState(BaseTopic, "billboard-01"); got != "bb/v1/node/billboard-01/state" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := TopicPresence(BaseTopic, "billboard-01"); got != "bb/v1/node/billboard-01/presence" {
		t.Fatalf("unexpected topic: %s", got)
	}
	if got := TopicEvents(BaseTopic, "billboard-01"); got != "bb/v1/node/billboard-01/evt" {
		t.Fatalf("unexpected topic: %s", got)
	}
}
