// Package agora builds Agora RTC AccessTokens (version "006") without
// pulling in the vendor SDK. The layout must stay byte-compatible with the
// official builders: little-endian integers, uint16 byte-count length
// prefixes, HMAC-SHA256 signature keyed by the app certificate.
package agora

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math/rand"
	"strconv"
	"time"
)

const version = "006"

// Privilege ids understood by the Agora media gateway.
const (
	PrivJoinChannel  uint16 = 1
	PrivPublishAudio uint16 = 2
	PrivPublishVideo uint16 = 3
	PrivPublishData  uint16 = 4
)

var (
	ErrInvalidAppID = errors.New("agora: app id must be exactly 32 characters")
	ErrMissingField = errors.New("agora: app id, certificate, channel and uid are all required")
	ErrInvalidUID   = errors.New("agora: uid must be >= 0")
)

type privilege struct {
	id       uint16
	expireTS uint32
}

// accessToken assembles the 006 wire format. Privileges keep insertion order;
// the signature covers appID, channel, uid string and the message body.
type accessToken struct {
	appID          string
	appCertificate string
	channel        string
	uid            string

	salt       uint32
	ts         uint32
	privileges []privilege
}

func (t *accessToken) addPrivilege(id uint16, expireTS uint32) {
	t.privileges = append(t.privileges, privilege{id: id, expireTS: expireTS})
}

func (t *accessToken) build() (string, error) {
	if t.appID == "" || t.appCertificate == "" || t.channel == "" || t.uid == "" {
		return "", ErrMissingField
	}
	if len(t.appID) != 32 {
		return "", ErrInvalidAppID
	}

	// Message body: salt, ts, privilege count, then (id, expiry) pairs.
	msg := packUint32(nil, t.salt)
	msg = packUint32(msg, t.ts)
	msg = packUint16(msg, uint16(len(t.privileges)))
	for _, p := range t.privileges {
		msg = packUint16(msg, p.id)
		msg = packUint32(msg, p.expireTS)
	}

	payload := packString(nil, t.appID)
	payload = packString(payload, t.channel)
	payload = packString(payload, t.uid)
	payload = append(payload, msg...)

	mac := hmac.New(sha256.New, []byte(t.appCertificate))
	mac.Write(payload)
	sig := mac.Sum(nil)

	content := packBytes(nil, sig)
	content = packUint32(content, crc32.ChecksumIEEE([]byte(t.channel)))
	content = packUint32(content, crc32.ChecksumIEEE([]byte(t.uid)))
	content = packBytes(content, msg)

	return version + t.appID + base64.StdEncoding.EncodeToString(content), nil
}

func packUint16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func packUint32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func packBytes(b, payload []byte) []byte {
	b = packUint16(b, uint16(len(payload)))
	return append(b, payload...)
}

func packString(b []byte, s string) []byte {
	return packBytes(b, []byte(s))
}

// tsLifetime is the embedded token timestamp horizon, distinct from the
// per-privilege expiries.
const tsLifetime = 24 * time.Hour

// BuildRTCTokenWithUID builds a token authorizing the numeric uid to join
// channel until expireTS. With publish set, the token also grants audio,
// video and data publishing, each carrying the same expiry.
func BuildRTCTokenWithUID(appID, appCertificate, channel string, uid int64, expireTS uint32, publish bool) (string, error) {
	return buildRTCToken(appID, appCertificate, channel, uid, expireTS, publish,
		randomSalt(), uint32(time.Now().Add(tsLifetime).Unix()))
}

func buildRTCToken(appID, appCertificate, channel string, uid int64, expireTS uint32, publish bool, salt, ts uint32) (string, error) {
	if uid < 0 {
		return "", ErrInvalidUID
	}

	token := &accessToken{
		appID:          appID,
		appCertificate: appCertificate,
		channel:        channel,
		uid:            strconv.FormatInt(uid, 10),
		salt:           salt,
		ts:             ts,
	}

	// Everyone must be allowed to join.
	token.addPrivilege(PrivJoinChannel, expireTS)
	if publish {
		token.addPrivilege(PrivPublishAudio, expireTS)
		token.addPrivilege(PrivPublishVideo, expireTS)
		token.addPrivilege(PrivPublishData, expireTS)
	}
	return token.build()
}

func randomSalt() uint32 {
	return uint32(rand.Int63n(99999998) + 1)
}
