package outcome

import "regexp"

// sessionKeyPattern resolves a delivery channel id from the record's
// sessionKey (§4.8 step 1): "telegram:(dm|group|direct):(-?\d+)".
var sessionKeyPattern = regexp.MustCompile(`telegram:(dm|group|direct):(-?\d+)`)

// messageToPattern resolves the fallback messageTo shape: "telegram:<id>" or
// "telegram:<type>:<id>".
var messageToPattern = regexp.MustCompile(`^telegram:(?:(\w+):)?(-?\d+)$`)

// ResolveChannelID extracts a chat id from sessionKey, falling back to
// messageTo. Returns ok=false if neither resolves (§4.8 step 1 "go to step 5").
func ResolveChannelID(sessionKey, messageTo string) (chatID string, ok bool) {
	if m := sessionKeyPattern.FindStringSubmatch(sessionKey); m != nil {
		return m[2], true
	}
	if m := messageToPattern.FindStringSubmatch(messageTo); m != nil {
		return m[2], true
	}
	return "", false
}
