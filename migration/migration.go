// This package defines a migration type used by every subsystem to evolve its
// own tables within the shared database.
package migration

import "database/sql"

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
