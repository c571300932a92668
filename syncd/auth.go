package main

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// VerifyRoomToken checks an HMAC-signed access token. The `room` claim must
// match the room the socket is connecting to.
func VerifyRoomToken(secret []byte, token string, roomId string) error {
	if token == "" {
		return fmt.Errorf("missing token")
	}
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	)
	if err != nil {
		return err
	}

	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return fmt.Errorf("unexpected claims")
	}
	room, _ := claims["room"].(string)
	if room != roomId {
		return fmt.Errorf("token room %q does not match %q", room, roomId)
	}
	return nil
}

// MintRoomToken issues an access token for one room, useful for tests and
// host integrations.
func MintRoomToken(secret []byte, roomId string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"room": roomId,
	})
	return token.SignedString(secret)
}
