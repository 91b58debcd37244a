// Package credentials generates the login and password a rented proxy is
// protected with.
package credentials

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	letters       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits        = "0123456789"
	loginSymbols  = "_.-"
	passwdSymbols = "_-!@#$%^&*()+={}|',.?/~"

	LoginLength    = 14
	PasswordLength = 13
)

// Generator draws from Rand, crypto/rand by default.
type Generator struct {
	Rand io.Reader
}

func (g Generator) reader() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// Login returns a letter followed by LoginLength-1 letters, digits or _.-
func (g Generator) Login() (string, error) {
	first, err := g.pick(letters, 1)
	if err != nil {
		return "", err
	}
	rest, err := g.pick(letters+digits+loginSymbols, LoginLength-1)
	if err != nil {
		return "", err
	}
	return first + rest, nil
}

// Password returns PasswordLength letters, digits or punctuation.
func (g Generator) Password() (string, error) {
	return g.pick(letters+digits+passwdSymbols, PasswordLength)
}

// Pair returns a fresh login and password.
func (g Generator) Pair() (login, password string, err error) {
	if login, err = g.Login(); err != nil {
		return "", "", err
	}
	if password, err = g.Password(); err != nil {
		return "", "", err
	}
	return login, password, nil
}

func (g Generator) pick(alphabet string, n int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(g.reader(), size)
		if err != nil {
			return "", fmt.Errorf("failed to generate credentials: %w", err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}
