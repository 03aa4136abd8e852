package ws

import (
	"testing"

	"github.com/perpcore/engine/internal/model"
)

func TestParseEventTypes_Empty(t *testing.T) {
	if got := parseEventTypes(""); got != nil {
		t.Errorf("parseEventTypes(\"\") = %v, want nil", got)
	}
}

func TestParseEventTypes_List(t *testing.T) {
	got := parseEventTypes("OpenStored, ClosedStored")
	if len(got) != 2 || !got[model.EventOpenStored] || !got[model.EventClosedStored] {
		t.Errorf("parseEventTypes = %v", got)
	}
}

func TestSubscription_WantsEverythingWhenUnfiltered(t *testing.T) {
	sub := &subscription{}
	if !sub.wants(model.EventOpenStored) || !sub.wants(model.EventBucketUpdated) {
		t.Error("unfiltered subscription should want every event type")
	}
}

func TestSubscription_WantsOnlyFilteredTypes(t *testing.T) {
	sub := &subscription{types: map[model.EventType]bool{model.EventOrderStored: true}}
	if !sub.wants(model.EventOrderStored) {
		t.Error("expected subscribed type to be wanted")
	}
	if sub.wants(model.EventOpenStored) {
		t.Error("expected unsubscribed type to be filtered out")
	}
}
