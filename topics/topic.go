// Package topics deals with MQTT topic names, topic filters and subscriptions.
// - "Topic name" is a / separated string that could contain #, + and $
// - / in topic name separates the string into "topic levels"
// - # is a multi-level wildcard, and it must be the last character in the
//   topic name. It represents the parent and all children levels.
// - + is a single level wildcard. It must be the only character in the
//   topic level. It represents all names in the current level.
// - $ is a special character that says the topic is a system level topic
package topics

import (
	"errors"
	"strings"
)

const (
	// MWC is the multi-level wildcard
	MWC = "#"

	// SWC is the single level wildcard
	SWC = "+"

	// SEP is the topic level separator
	SEP = "/"

	// SYS is the starting character of the system level topics
	//SYS是系统级主题的起始字符
	SYS = "$"
)

var (
	// ErrFilterMalformed is returned when a subscribe filter violates the
	// wildcard placement rules.
	ErrFilterMalformed = errors.New("topics: malformed topic filter")

	// ErrTopicMalformed is returned when a publish topic contains wildcards
	// or is empty.
	ErrTopicMalformed = errors.New("topics: malformed topic name")
)

// Split breaks a topic or filter into its ordered subtopics. "a/b/" yields
// ["a" "b" ""]; the empty trailing level is a distinct, valid level.
func Split(topic string) []string {
	return strings.Split(topic, SEP)
}

// ValidateFilter checks the wildcard placement rules for a subscribe filter:
// "#" only as the final subtopic and only on its own, "+" only on its own.
func ValidateFilter(subtopics []string) error {
	if len(subtopics) == 0 || (len(subtopics) == 1 && subtopics[0] == "") {
		return ErrFilterMalformed
	}
	last := len(subtopics) - 1
	for i, s := range subtopics {
		if s == MWC {
			if i != last {
				return ErrFilterMalformed
			}
			continue
		}
		if s == SWC {
			continue
		}
		if strings.ContainsAny(s, MWC+SWC) {
			return ErrFilterMalformed
		}
	}
	return nil
}

// ValidateTopicName checks a publish topic: non-empty, no wildcards at all.
func ValidateTopicName(subtopics []string) error {
	if len(subtopics) == 0 || (len(subtopics) == 1 && subtopics[0] == "") {
		return ErrTopicMalformed
	}
	for _, s := range subtopics {
		if strings.ContainsAny(s, MWC+SWC) {
			return ErrTopicMalformed
		}
	}
	return nil
}

// StartsWithDollar reports whether the first subtopic puts the topic in the
// isolated dollar space.
func StartsWithDollar(subtopics []string) bool {
	return len(subtopics) > 0 && len(subtopics[0]) > 0 && subtopics[0][0] == SYS[0]
}
