package relation

// Well-known keys of the mysql interface. The provider writes the
// credential keys; the consumer only ever writes the requested database
// name.
const (
	DBKeyHost     = "host"
	DBKeyPort     = "port"
	DBKeyDatabase = "database"
	DBKeyUser     = "user"
	DBKeyPassword = "password"

	// DBKeyRequestedDatabase is the consumer-side key naming the database
	// this unit would like the provider to create.
	DBKeyRequestedDatabase = "database"
)

// DatabaseCredentials is the derived view over the database relation.
// Either every field is present and non-empty, or the set is absent as a
// whole; partial credentials are never surfaced.
type DatabaseCredentials struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// complete reports whether every field carries a value.
func (c DatabaseCredentials) complete() bool {
	return c.Host != "" && c.Port != "" && c.Database != "" && c.User != "" && c.Password != ""
}

// DatabaseCredentialsFrom derives credentials from the database relation.
// The first peer unit (in sorted order) with a complete credential set
// wins. ok is false when no peer has published a complete set yet, which
// consumers must treat as "database not ready", not as an error.
func DatabaseCredentialsFrom(s *Store, id ID, self UnitID) (creds DatabaseCredentials, ok bool) {
	for _, unit := range s.Peers(id) {
		if unit == self {
			continue
		}
		c := DatabaseCredentials{}
		c.Host, _ = s.Read(id, unit, DBKeyHost)
		c.Port, _ = s.Read(id, unit, DBKeyPort)
		c.Database, _ = s.Read(id, unit, DBKeyDatabase)
		c.User, _ = s.Read(id, unit, DBKeyUser)
		c.Password, _ = s.Read(id, unit, DBKeyPassword)
		if c.complete() {
			return c, true
		}
	}
	return DatabaseCredentials{}, false
}

// RequestDatabase publishes the database name this unit wants the
// provider to create. Credential keys are never written by the consumer.
func RequestDatabase(s *Store, id ID, self UnitID, name string) {
	if name == "" {
		return
	}
	s.Write(id, self, DBKeyRequestedDatabase, name)
}
