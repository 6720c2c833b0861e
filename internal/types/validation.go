package types

// EgressBlockedCIDRs lists the address ranges no destination may resolve to.
var EgressBlockedCIDRs = []string{
	"0.0.0.0/8",      // Unspecified / current network
	"127.0.0.0/8",    // Loopback
	"10.0.0.0/8",     // RFC1918
	"172.16.0.0/12",  // RFC1918
	"192.168.0.0/16", // RFC1918
	"169.254.0.0/16", // Link-local (cloud metadata)
	"100.64.0.0/10",  // Carrier-grade NAT
	"224.0.0.0/4",    // Multicast
	"240.0.0.0/4",    // Reserved, includes broadcast
	"198.18.0.0/15",  // Benchmark testing
	"::/128",         // IPv6 unspecified
	"::1/128",        // IPv6 loopback
	"fc00::/7",       // IPv6 unique local
	"fe80::/10",      // IPv6 link-local
	"ff00::/8",       // IPv6 multicast
}

// EgressBlockedHostnames are rejected before any DNS lookup. Names ending in
// ".localhost" are rejected as well.
var EgressBlockedHostnames = []string{
	"localhost",
	"localhost.localdomain",
	"ip6-localhost",
	"ip6-loopback",
}
