// Package auth answers who a user is: their role and rank from the directory
// file, and whether a password matches.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/safar/quotesync/internal/approval"
	"github.com/safar/quotesync/internal/config"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	ID           string
	Name         string
	Role         string
	Rank         int
	passwordHash string
}

// Directory serves the role hierarchy and user roster. It is read-only after
// construction.
type Directory struct {
	ranks map[string]int
	users map[string]User
	order []string
}

func NewDirectory(dir *config.Directory) (*Directory, error) {
	if err := dir.Validate(); err != nil {
		return nil, err
	}
	d := &Directory{
		ranks: make(map[string]int, len(dir.Roles)),
		users: make(map[string]User, len(dir.Users)),
	}
	for role, rank := range dir.Roles {
		d.ranks[role] = rank
	}
	for _, u := range dir.Users {
		d.users[u.ID] = User{
			ID:           u.ID,
			Name:         u.Name,
			Role:         u.Role,
			Rank:         d.ranks[u.Role],
			passwordHash: u.PasswordHash,
		}
		d.order = append(d.order, u.ID)
	}
	// Lowest rank first, then by id, so routing prefers the least senior
	// eligible approver.
	sort.SliceStable(d.order, func(i, j int) bool {
		a, b := d.users[d.order[i]], d.users[d.order[j]]
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.ID < b.ID
	})
	return d, nil
}

func (d *Directory) User(id string) (User, bool) {
	u, ok := d.users[id]
	return u, ok
}

func (d *Directory) Principal(_ context.Context, userID string) (approval.Principal, error) {
	u, ok := d.users[userID]
	if !ok {
		return approval.Principal{}, fmt.Errorf("%w: %s", approval.ErrUnknownUser, userID)
	}
	return approval.Principal{UserID: u.ID, Role: u.Role, Rank: u.Rank}, nil
}

func (d *Directory) RoleRank(role string) (int, bool) {
	rank, ok := d.ranks[role]
	return rank, ok
}

func (d *Directory) Approvers(_ context.Context, minRank int) ([]string, error) {
	var out []string
	for _, id := range d.order {
		if d.users[id].Rank >= minRank {
			out = append(out, id)
		}
	}
	return out, nil
}

// Authenticate matches identifier against user ids case-insensitively and
// checks the password. Unknown users and wrong passwords are the same error.
func (d *Directory) Authenticate(identifier, password string) (User, error) {
	id := strings.ToLower(strings.TrimSpace(identifier))
	for _, u := range d.users {
		if strings.ToLower(u.ID) != id {
			continue
		}
		if u.passwordHash == "" || !VerifyPassword(password, u.passwordHash) {
			return User{}, ErrInvalidCredentials
		}
		return u, nil
	}
	return User{}, ErrInvalidCredentials
}
