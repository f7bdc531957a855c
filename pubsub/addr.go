package pubsub

import "strings"

// NormalizeAddr converts an endpoint such as "tcp://*:2222" or
// "tcp://127.0.0.1:2223" into the net.Listen/net.Dial form Go's
// standard library expects (":2222" / "127.0.0.1:2223"). Configs use
// the URL-style form even though the transport underneath is plain TCP.
func NormalizeAddr(endpoint string) string {
	addr := strings.TrimPrefix(endpoint, "tcp://")
	addr = strings.Replace(addr, "*", "", 1)
	return addr
}
