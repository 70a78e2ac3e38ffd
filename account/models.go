// Package account defines the credit account a subject spends against when
// using metered features.
package account

import (
	"github.com/xraph/almoner/id"
	"github.com/xraph/almoner/types"
)

// Account holds a subject's spendable credit balance. Credits never go
// negative; every change bumps Version.
type Account struct {
	types.Entity
	ID        id.AccountID `json:"id"`
	SubjectID string       `json:"subject_id"`
	Credits   int64        `json:"credits"`
	Version   int64        `json:"version"`
}

// Clone returns a copy of a.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}
