package dispatch

import (
	"strings"

	"github.com/fieldmesh/sds/pkg/sds/sdsconst"
)

// section identifies which part of a table's shadow a reserved topic
// addresses, or the special lwt pseudo-section.
type section int

const (
	sectionNone section = iota
	sectionConfig
	sectionState
	sectionStatus
	sectionLWT
)

// reservedTopic is the parsed form of any sds/... topic.
type reservedTopic struct {
	table  string
	sec    section
	device string // populated for status and lwt; the publisher identifies
	// itself in the payload's "node" field for state, not the topic path
}

// parseReservedTopic splits a reserved-prefix topic into its
// table/section/device components. It returns ok=false for a topic
// outside the reserved prefix and for any topic that does not match one
// of the four reserved shapes:
//
//	sds/lwt/<device>
//	sds/<table>/config
//	sds/<table>/state
//	sds/<table>/status/<device>
func parseReservedTopic(topic string) (reservedTopic, bool) {
	if !strings.HasPrefix(topic, sdsconst.ReservedTopicPrefix) {
		return reservedTopic{}, false
	}
	rest := strings.TrimPrefix(topic, sdsconst.ReservedTopicPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return reservedTopic{}, false
	}

	if parts[0] == "lwt" {
		if len(parts) != 2 || parts[1] == "" {
			return reservedTopic{}, false
		}
		return reservedTopic{sec: sectionLWT, device: parts[1]}, true
	}

	table := parts[0]
	if table == "" {
		return reservedTopic{}, false
	}

	switch parts[1] {
	case "config":
		if len(parts) != 2 {
			return reservedTopic{}, false
		}
		return reservedTopic{table: table, sec: sectionConfig}, true
	case "state":
		if len(parts) != 2 {
			return reservedTopic{}, false
		}
		return reservedTopic{table: table, sec: sectionState}, true
	case "status":
		if len(parts) != 3 || parts[2] == "" {
			return reservedTopic{}, false
		}
		return reservedTopic{table: table, sec: sectionStatus, device: parts[2]}, true
	default:
		return reservedTopic{}, false
	}
}

// configTopic, stateTopic, statusTopic and lwtTopic build the four topic
// shapes parseReservedTopic accepts. The scheduler, the supervisor and
// the façade build their own topic strings and do not call these.
func configTopic(table string) string {
	return sdsconst.ReservedTopicPrefix + table + "/config"
}

func stateTopic(table string) string {
	return sdsconst.ReservedTopicPrefix + table + "/state"
}

func statusTopic(table, device string) string {
	return sdsconst.ReservedTopicPrefix + table + "/status/" + device
}

func lwtTopic(device string) string {
	return sdsconst.ReservedTopicPrefix + "lwt/" + device
}
