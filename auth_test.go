package docsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func makeJwt(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	jwt, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)
	return jwt
}

func TestParseByJwtUnverified(t *testing.T) {
	clientId := NewId()
	userId := NewId()
	networkId := NewId()

	jwt := makeJwt(t, gojwt.MapClaims{
		"client_id": clientId.String(),
		"user_id": userId.String(),
		"network_id": networkId.String(),
		"network_name": "testnet",
	})

	byJwt, err := ParseByJwtUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, byJwt.ClientId)
	assert.Equal(t, userId, byJwt.UserId)
	assert.Equal(t, networkId, byJwt.NetworkId)
	assert.Equal(t, "testnet", byJwt.NetworkName)
}

func TestClientAuthClientId(t *testing.T) {
	clientId := NewId()
	auth := &ClientAuth{
		ByJwt: makeJwt(t, gojwt.MapClaims{
			"client_id": clientId.String(),
		}),
		InstanceId: NewId(),
		AppVersion: "0.0.0-test",
	}

	parsedClientId, err := auth.ClientId()
	assert.Equal(t, nil, err)
	assert.Equal(t, clientId, parsedClientId)
}

func TestParseByJwtMalformed(t *testing.T) {
	_, err := ParseByJwtUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, fromBytes)

	_, err = IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)
	_, err = ParseId("zz")
	assert.NotEqual(t, err, nil)
}

func TestIdJson(t *testing.T) {
	id := NewId()
	jsonBytes, err := json.Marshal(id)
	assert.Equal(t, nil, err)
	assert.Equal(t, `"`+id.String()+`"`, string(jsonBytes))

	parsed := Id{}
	err = json.Unmarshal(jsonBytes, &parsed)
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)
}
