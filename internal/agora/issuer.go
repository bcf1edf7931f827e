package agora

import (
	"time"

	"vidmatch-backend/internal/config"
)

// Issuer mints join credentials from process configuration. Deployments
// without an app certificate run in token-less mode: IssueForUID returns an
// empty token and zero expiry instead of failing, and clients join the
// channel without certificate enforcement.
type Issuer struct {
	appID          string
	appCertificate string
	ttl            time.Duration

	now func() time.Time
}

func NewIssuer(cfg config.AgoraConfig) *Issuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{
		appID:          cfg.AppID,
		appCertificate: cfg.AppCertificate,
		ttl:            ttl,
		now:            time.Now,
	}
}

func (i *Issuer) AppID() string {
	return i.appID
}

// Enabled reports whether signing credentials are configured.
func (i *Issuer) Enabled() bool {
	return i.appID != "" && i.appCertificate != ""
}

// IssueForUID returns a publish-capable join token for the uid on the given
// channel, plus its unix expiry. In token-less mode both are zero values.
func (i *Issuer) IssueForUID(channel string, uid int64) (string, int64, error) {
	if !i.Enabled() {
		return "", 0, nil
	}

	expireTS := i.now().Add(i.ttl).Unix()
	token, err := BuildRTCTokenWithUID(i.appID, i.appCertificate, channel, uid, uint32(expireTS), true)
	if err != nil {
		return "", 0, err
	}
	return token, expireTS, nil
}
