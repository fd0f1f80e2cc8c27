package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStubSessionOpenerReturnsErrNoBridge(t *testing.T) {
	db, err := stubSessionOpener(context.Background(), "server01", "mail/acme.nsf")
	assert.Nil(t, db)
	assert.ErrorIs(t, err, errNoBridge)
}

func TestDefaultCASRootIsNonEmpty(t *testing.T) {
	assert.NotEmpty(t, defaultCASRoot())
}
