package gateway

import "strings"

// Topic families a client may subscribe to. Every family is scoped by the
// token subject, so a client can never watch another user's stream.
var topicFamilies = []string{
	"user",
	"account_updates",
	"position_updates",
	"order_updates",
	"market_data",
	"calendar_updates",
	"strategy_signals",
}

// topicAllowed reports whether subject may subscribe to topic. Topics are
// {family}:{subject}, optionally followed by further colon-separated
// segments ("order_updates:u1:EURUSD"). The subject must match as a whole
// segment: "user:u1" does not cover "user:u12".
func topicAllowed(topic, subject string) bool {
	if subject == "" {
		return false
	}
	for _, family := range topicFamilies {
		scoped := family + ":" + subject
		if topic == scoped || strings.HasPrefix(topic, scoped+":") {
			return true
		}
	}
	return false
}
