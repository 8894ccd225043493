package domain

import "time"

// Account is the local mirror of a registry user. The registry owns these
// fields; the mirror only tracks them for dues computation.
type Account struct {
	UserID       string
	Version      int64
	Email        string
	Username     string
	RegisteredAt time.Time
	ClubID       string
	ClubName     string
	Rank         string
	// DeletedAt marks a tombstone. Tombstoned accounts are ABSENT for every read.
	DeletedAt *time.Time
}

func (a *Account) Deleted() bool {
	return a.DeletedAt != nil
}

// SameProfile compares the registry-owned payload, ignoring version and tombstone.
func (a *Account) SameProfile(o *Account) bool {
	return a.UserID == o.UserID &&
		a.Email == o.Email &&
		a.Username == o.Username &&
		a.RegisteredAt.Equal(o.RegisteredAt) &&
		a.ClubID == o.ClubID &&
		a.ClubName == o.ClubName &&
		a.Rank == o.Rank
}
