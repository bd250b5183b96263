// Package ice serves the STUN/TURN configuration WebRTC clients dial with.
package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultCredentialTTL is how long a minted TURN credential stays valid.
const DefaultCredentialTTL = 24 * time.Hour

// Credential is a time-boxed TURN credential pair.
type Credential struct {
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// TURNCredential mints a credential for userID expiring at expiry, using the
// long-term credential mechanism most TURN servers implement: the username is
// "<unixExpiry>:<userId>" and the credential is base64(HMAC-SHA1(secret, username)).
// Identical inputs always produce identical output.
func TURNCredential(secret, userID string, expiry time.Time) Credential {
	username := fmt.Sprintf("%d:%s", expiry.Unix(), userID)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return Credential{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}
