package broker

import "net"

// ForbiddenIPForTest exposes the outbound address filter to external tests.
func ForbiddenIPForTest(ip net.IP) bool { return forbiddenIP(ip) }
