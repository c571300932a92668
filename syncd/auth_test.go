package main

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRoomTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, err := MintRoomToken(secret, "room-1")
	assert.Equal(t, err, nil)

	err = VerifyRoomToken(secret, token, "room-1")
	assert.Equal(t, err, nil)

	// a token for one room does not open another
	err = VerifyRoomToken(secret, token, "room-2")
	assert.NotEqual(t, err, nil)

	err = VerifyRoomToken([]byte("other-secret"), token, "room-1")
	assert.NotEqual(t, err, nil)

	err = VerifyRoomToken(secret, "", "room-1")
	assert.NotEqual(t, err, nil)

	err = VerifyRoomToken(secret, "not.a.token", "room-1")
	assert.NotEqual(t, err, nil)
}
