// Package codegen produces the numeric secrets mailed to users.
package codegen

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	minCode = 10000
	maxCode = 99999
)

type Generator interface {
	Generate() (string, error)
}

type randomGenerator struct{}

func New() Generator {
	return randomGenerator{}
}

// Generate returns a uniformly distributed code in [10000, 99999].
func (randomGenerator) Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(n.Int64()+minCode, 10), nil
}

// Static always returns the same code. Intended for tests.
type Static string

func (s Static) Generate() (string, error) {
	return string(s), nil
}
