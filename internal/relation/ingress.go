package relation

import "strconv"

// Keys of the ingress interface. This unit is the writer; the ingress
// provider consumes them. No credentials are involved.
const (
	IngressKeyHostname = "service-hostname"
	IngressKeyPort     = "service-port"
)

// PublishIngress writes this unit's service hostname and port to the
// ingress relation.
func PublishIngress(s *Store, id ID, self UnitID, hostname string, port int32) {
	if hostname == "" {
		return
	}
	s.Write(id, self, IngressKeyHostname, hostname)
	s.Write(id, self, IngressKeyPort, strconv.Itoa(int(port)))
}
