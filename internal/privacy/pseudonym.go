package privacy

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"
)

const (
	pseudonymPrefix = "eph_"
	pseudonymChars  = 16
	nonceSize       = 16
)

var (
	processKeyOnce sync.Once
	processKey     []byte
)

func pseudonymKey() []byte {
	processKeyOnce.Do(func() {
		processKey = make([]byte, 32)
		if _, err := rand.Read(processKey); err != nil {
			panic("privacy: read process key: " + err.Error())
		}
	})
	return processKey
}

// Ephemeral returns a per-turn identifier with no retained mapping.
func Ephemeral() string {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		panic("privacy: read pseudonym nonce: " + err.Error())
	}
	mac := hmac.New(sha256.New, pseudonymKey())
	mac.Write(nonce)
	encoded := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return pseudonymPrefix + encoded[:pseudonymChars]
}
