package rkey

import (
	"errors"
	"fmt"
	"os/user"
)

// Seeder supplies the installation secret that the default key is derived from.
type Seeder interface {
	Seed() ([]byte, error)
}

// StaticSeed is an injected seed, typically from configuration or tests.
type StaticSeed string

func (s StaticSeed) Seed() ([]byte, error) {
	if s == "" {
		return nil, errors.New("rkey: static seed is empty")
	}
	return []byte(s), nil
}

// MachineSeed binds the default key to this machine and the current account.
//
// It is not a secret against a local attacker running as the same user;
// it keeps copied credential files from opening on another machine.
type MachineSeed struct{}

func (MachineSeed) Seed() ([]byte, error) {
	id, err := machineID()
	if err != nil {
		return nil, err
	}
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}
	return []byte(id + "\x00" + u.Uid + "\x00" + u.Username), nil
}

var (
	_ Seeder = StaticSeed("")
	_ Seeder = MachineSeed{}
)
