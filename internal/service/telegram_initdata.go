package service

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
)

var (
	errInitDataMissingHash = errors.New("init data has no hash")
	errInitDataSignature   = errors.New("init data signature mismatch")
	errInitDataExpired     = errors.New("init data is too old")
	errInitDataNoUser      = errors.New("init data has no user")
	errInitDataNoBotToken  = errors.New("no bot token configured")
)

// ValidateInitData checks the signature of Telegram Web App init data and
// returns the embedded user. maxAge <= 0 disables the freshness check.
//
// The data-check string is every field except hash, sorted by key, joined as
// key=value lines. The HMAC key is HMAC-SHA256("WebAppData", botToken).
func ValidateInitData(initData, botToken string, maxAge time.Duration, now time.Time) (*domain.TelegramUser, error) {
	if botToken == "" {
		return nil, errInitDataNoBotToken
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("parse init data: %w", err)
	}
	received := values.Get("hash")
	if received == "" {
		return nil, errInitDataMissingHash
	}

	expected := SignInitData(values, botToken)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return nil, errInitDataSignature
	}

	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse auth_date: %w", err)
		}
		if now.Sub(time.Unix(authDate, 0)) > maxAge {
			return nil, errInitDataExpired
		}
	}

	raw := values.Get("user")
	if raw == "" {
		return nil, errInitDataNoUser
	}
	var user domain.TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == 0 {
		return nil, errInitDataNoUser
	}
	return &user, nil
}

// SignInitData computes the hex signature Telegram attaches to init data.
// The "hash" field of values, if present, is ignored.
func SignInitData(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	return hex.EncodeToString(hmacSHA256(secret, []byte(strings.Join(lines, "\n"))))
}

func hmacSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}
