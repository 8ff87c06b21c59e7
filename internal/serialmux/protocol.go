package serialmux

import "strings"

// bannerPrefixes are unsolicited lines the firmware prints on boot or when
// idle. They are never a reply to anything.
var bannerPrefixes = []string{
	"OK READY",
	"OK PINS",
	"OK CMDS",
	"OK SERVO_PWR?",
	"OK START",
}

// Sanitize reduces an outgoing command to printable ASCII and single spaces.
// A leading byte-order mark or replacement character is dropped first.
func Sanitize(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "\ufeff\ufffd")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || (r >= 33 && r <= 126) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Verb returns the upper-cased first word of a command line.
func Verb(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// ExpectedPrefixes infers the upper-case reply prefixes that acknowledge line.
func ExpectedPrefixes(line string) []string {
	switch verb := Verb(line); verb {
	case "PING":
		return []string{"OK PONG"}
	case "SERVOPWR":
		return []string{"OK SERVO_PWR"}
	case "TELEM", "TELEMETRY":
		return []string{"OK TELEM"}
	case "SETAENGINE", "SETBENGINE", "SETALLENGINE":
		return []string{"OK " + verb}
	case "SETSERVO":
		return []string{"OK SETSERVO"}
	case "SETSERVOS":
		return []string{"OK SETSERVOS"}
	case "SERVOCENTER", "SERVO_CENTER":
		return []string{"OK SERVO_CENTER"}
	case "ESTOP":
		return []string{"OK ESTOP"}
	default:
		return []string{"OK"}
	}
}

func upperAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return out
}
