package telegram

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// DefaultLoginMaxAge is how old a Login Widget payload may be.
const DefaultLoginMaxAge = 24 * time.Hour

// LoginData is a verified Login Widget payload.
type LoginData struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
	PhotoURL  string
	AuthDate  time.Time
}

func (d LoginData) ExternalID() string {
	return strconv.FormatInt(d.ID, 10)
}

func (d LoginData) DisplayName() string {
	return displayName(d.FirstName, d.LastName, d.Username)
}

// ParseLoginPayload flattens a Login Widget JSON object into the string
// fields the signature covers. Numbers keep their literal form.
func ParseLoginPayload(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: login payload: %v", errInvalidLogin, err)
	}
	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case string:
			fields[k] = v
		case json.Number:
			fields[k] = v.String()
		case bool:
			fields[k] = strconv.FormatBool(v)
		case nil:
		default:
			return nil, fmt.Errorf("%w: login payload: field %q is not a scalar", errInvalidLogin, k)
		}
	}
	return fields, nil
}

var errInvalidLogin = &model.Error{Kind: model.KindInvalidArgument, Msg: "invalid login data"}

// DataCheckString builds the signed string: every field except hash as
// key=value, sorted by key, joined by newlines.
func DataCheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + fields[k]
	}
	return strings.Join(lines, "\n")
}

// SignLogin computes the hash Telegram attaches to a Login Widget payload.
func SignLogin(fields map[string]string, botToken string) string {
	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(DataCheckString(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyLogin checks the signature and age of a Login Widget payload.
func VerifyLogin(fields map[string]string, botToken string, maxAge time.Duration, now time.Time) (LoginData, error) {
	got, err := hex.DecodeString(fields["hash"])
	if err != nil || len(got) == 0 {
		return LoginData{}, model.ErrBadSignature
	}
	want, _ := hex.DecodeString(SignLogin(fields, botToken))
	if !hmac.Equal(got, want) {
		return LoginData{}, model.ErrBadSignature
	}

	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil || id <= 0 {
		return LoginData{}, fmt.Errorf("%w: bad id", errInvalidLogin)
	}
	authUnix, err := strconv.ParseInt(fields["auth_date"], 10, 64)
	if err != nil {
		return LoginData{}, fmt.Errorf("%w: bad auth_date", errInvalidLogin)
	}
	authDate := time.Unix(authUnix, 0).UTC()
	if maxAge <= 0 {
		maxAge = DefaultLoginMaxAge
	}
	if now.Sub(authDate) > maxAge {
		return LoginData{}, model.ErrLoginExpired
	}

	return LoginData{
		ID:        id,
		FirstName: fields["first_name"],
		LastName:  fields["last_name"],
		Username:  fields["username"],
		PhotoURL:  fields["photo_url"],
		AuthDate:  authDate,
	}, nil
}
