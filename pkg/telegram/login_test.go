package telegram

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const testBotToken = "123456:TEST-token"

func signedFields(authDate time.Time) map[string]string {
	fields := map[string]string{
		"id":         "4242",
		"first_name": "Ann",
		"username":   "ann",
		"auth_date":  strconv.FormatInt(authDate.Unix(), 10),
	}
	fields["hash"] = SignLogin(fields, testBotToken)
	return fields
}

func TestDataCheckString(t *testing.T) {
	got := DataCheckString(map[string]string{"username": "ann", "id": "1", "hash": "ff", "auth_date": "10"})
	want := "auth_date=10\nid=1\nusername=ann"
	if got != want {
		t.Errorf("DataCheckString = %q, want %q", got, want)
	}
}

func TestVerifyLogin(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	type tcase struct {
		fields  map[string]string
		token   string
		wantErr error
	}
	tampered := signedFields(now)
	tampered["first_name"] = "Eve"
	noHash := signedFields(now)
	delete(noHash, "hash")

	tcases := map[string]tcase{
		"valid":       {fields: signedFields(now.Add(-time.Hour)), token: testBotToken},
		"tampered":    {fields: tampered, token: testBotToken, wantErr: model.ErrBadSignature},
		"wrong_token": {fields: signedFields(now), token: "other", wantErr: model.ErrBadSignature},
		"no_hash":     {fields: noHash, token: testBotToken, wantErr: model.ErrBadSignature},
		"too_old":     {fields: signedFields(now.Add(-25 * time.Hour)), token: testBotToken, wantErr: model.ErrLoginExpired},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			data, err := VerifyLogin(tc.fields, tc.token, DefaultLoginMaxAge, now)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("VerifyLogin: got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyLogin: unexpected error: %v", err)
			}
			if data.ExternalID() != "4242" || data.DisplayName() != "Ann" {
				t.Errorf("data = %+v", data)
			}
		})
	}
}

func TestParseLoginPayloadKeepsNumbers(t *testing.T) {
	now := time.Unix(1780000000, 0).UTC()
	fields, err := ParseLoginPayload([]byte(`{"id":4242,"first_name":"Ann","username":"ann","auth_date":1780000000,"hash":"` +
		signedFields(now)["hash"] + `"}`))
	if err != nil {
		t.Fatalf("ParseLoginPayload: %v", err)
	}
	if _, err := VerifyLogin(fields, testBotToken, time.Hour, now); err != nil {
		t.Fatalf("VerifyLogin after parse: %v", err)
	}

	if _, err := ParseLoginPayload([]byte(`{"id":{"nested":1}}`)); model.KindOf(err) != model.KindInvalidArgument {
		t.Errorf("nested field: got %v, want invalid argument", err)
	}
}
