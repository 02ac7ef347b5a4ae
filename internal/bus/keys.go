package bus

// Keyspace owned by this system. Peer services read these keys directly, so
// the formats are a contract, not an implementation detail.

const (
	keyKillSwitch      = "risk:kill_switch"
	patternBroadcast   = "ws:broadcast:*"
	broadcastKeyPrefix = "ws:broadcast:"
)

func keyConnection(connectionID string) string { return "ws:connections:" + connectionID }

func keyUserConnections(userID string) string { return "ws:user:" + userID + ":connections" }

func keyUserSubs(userID string) string { return "ws:subs:user:" + userID }

func keyConnRate(ip string) string { return "ws:conn:ip:" + ip }

func keyMsgRate(connectionID string) string { return "ws:msg:" + connectionID }

func keyBroadcast(channel string) string { return broadcastKeyPrefix + channel }

func keyTokenRevoked(jti string) string { return "jwt:revoked:" + jti }

func keyUserRevokeAfter(userID string) string { return "jwt:user:revoke_after:" + userID }

func keyRefreshUsed(jti string) string { return "jwt:refresh:used:" + jti }

func keyRefreshFamilyRevoked(familyID string) string {
	return "jwt:refresh:family:revoked:" + familyID
}
