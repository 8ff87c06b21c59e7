package serialmux

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ReplyClass is the outcome of matching one received line against the
// command currently awaiting a reply.
type ReplyClass int

const (
	ReplyUnexpected ReplyClass = iota
	ReplyIgnored
	ReplyError
	ReplyMatch
)

func (c ReplyClass) String() string {
	switch c {
	case ReplyIgnored:
		return "ignore"
	case ReplyError:
		return "err"
	case ReplyMatch:
		return "match"
	default:
		return "unexpected"
	}
}

// ClassifyReply inspects a received line. Banner lines are checked before the
// expected prefixes so that "OK SERVO_PWR?" never satisfies "OK SERVO_PWR".
func ClassifyReply(line string, expected []string) ReplyClass {
	up := strings.ToUpper(line)
	for _, p := range bannerPrefixes {
		if strings.HasPrefix(up, p) {
			return ReplyIgnored
		}
	}
	if strings.HasPrefix(up, "ERR") {
		return ReplyError
	}
	for _, p := range expected {
		if strings.HasPrefix(up, p) {
			return ReplyMatch
		}
	}
	return ReplyUnexpected
}

// ReplyPayload returns the text after "OK <token>" in reply, trimmed. ok is
// false when reply does not start with that prefix.
func ReplyPayload(reply, token string) (string, bool) {
	s := strings.TrimSpace(reply)
	prefix := "OK " + strings.ToUpper(token)
	if !strings.HasPrefix(strings.ToUpper(s), prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// ParseReplyJSON decodes the JSON object following "OK <token>" in reply.
func ParseReplyJSON(reply, token string) (map[string]any, error) {
	payload, ok := ReplyPayload(reply, token)
	if !ok {
		return nil, fmt.Errorf("not an OK %s reply: %q", token, reply)
	}
	if !strings.HasPrefix(payload, "{") {
		return nil, fmt.Errorf("%s JSON missing: %q", token, reply)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s JSON: %w", token, err)
	}
	return out, nil
}
