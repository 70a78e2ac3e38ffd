package almoner

import "github.com/xraph/almoner/id"

// ID is the primary identifier type for all Almoner records.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
