package dispatch

import "testing"

func TestParseReservedTopicConfig(t *testing.T) {
	rt, ok := parseReservedTopic("sds/fleet/config")
	if !ok || rt.table != "fleet" || rt.sec != sectionConfig {
		t.Fatalf("got %+v, %v", rt, ok)
	}
}

func TestParseReservedTopicState(t *testing.T) {
	rt, ok := parseReservedTopic("sds/fleet/state")
	if !ok || rt.table != "fleet" || rt.sec != sectionState {
		t.Fatalf("got %+v, %v", rt, ok)
	}
}

func TestParseReservedTopicStatus(t *testing.T) {
	rt, ok := parseReservedTopic("sds/fleet/status/dev-1")
	if !ok || rt.table != "fleet" || rt.sec != sectionStatus || rt.device != "dev-1" {
		t.Fatalf("got %+v, %v", rt, ok)
	}
}

func TestParseReservedTopicLWT(t *testing.T) {
	rt, ok := parseReservedTopic("sds/lwt/dev-1")
	if !ok || rt.sec != sectionLWT || rt.device != "dev-1" {
		t.Fatalf("got %+v, %v", rt, ok)
	}
}

func TestParseReservedTopicRejectsMalformed(t *testing.T) {
	cases := []string{
		"sds/fleet",
		"sds/fleet/config/extra",
		"sds//config",
		"sds/lwt/",
		"sds/fleet/bogus/dev-1",
		"other/fleet/config",
		"sds/fleet/state/dev-1",
	}
	for _, topic := range cases {
		if _, ok := parseReservedTopic(topic); ok {
			t.Errorf("topic %q: expected rejection", topic)
		}
	}
}

func TestTopicBuildersRoundTrip(t *testing.T) {
	if got, want := configTopic("fleet"), "sds/fleet/config"; got != want {
		t.Errorf("configTopic = %q, want %q", got, want)
	}
	if got, want := stateTopic("fleet"), "sds/fleet/state"; got != want {
		t.Errorf("stateTopic = %q, want %q", got, want)
	}
	if got, want := statusTopic("fleet", "dev-1"), "sds/fleet/status/dev-1"; got != want {
		t.Errorf("statusTopic = %q, want %q", got, want)
	}
	if got, want := lwtTopic("dev-1"), "sds/lwt/dev-1"; got != want {
		t.Errorf("lwtTopic = %q, want %q", got, want)
	}
}
