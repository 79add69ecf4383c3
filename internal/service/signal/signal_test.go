package signal

import (
	"errors"
	"fmt"
	"testing"
)

func TestMessageDataFraming(t *testing.T) {
	c := &Ciphertext{Type: KeyTypeSenderKey, Body: []byte("cipher")}

	plain, err := DecodeMessageData(EncodeMessageData(c, ""))
	if err != nil {
		t.Fatal(err)
	}
	if plain.KeyType != KeyTypeSenderKey || string(plain.Cipher) != "cipher" || plain.ResendMessageID != "" {
		t.Errorf("decoded = %+v", plain)
	}

	resendID := "0b4f49dc-8fb3-4539-9a89-fb3afc613747"
	resent, err := DecodeMessageData(EncodeMessageData(c, resendID))
	if err != nil {
		t.Fatal(err)
	}
	if resent.ResendMessageID != resendID || string(resent.Cipher) != "cipher" {
		t.Errorf("resent = %+v", resent)
	}
}

func TestDecodeRejectsShortFrames(t *testing.T) {
	if _, err := DecodeMessageData("AQI="); err == nil {
		t.Error("short frame accepted")
	}
	if _, err := DecodeMessageData("not base64!"); err == nil {
		t.Error("bad base64 accepted")
	}
}

func TestDeviceID(t *testing.T) {
	cases := []struct {
		session string
		want    uint32
	}{
		{"", 1},
		{"garbage", 1},
		{"00000000-0000-0001-0000-000000000002", 3},
		{"00000001-0000-0000-0000-000000000000", 1},
		{"00000000-0000-0000-0000-000000000000", 0},
	}
	for _, tc := range cases {
		if got := DeviceID(tc.session); got != tc.want {
			t.Errorf("DeviceID(%q) = %d, want %d", tc.session, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Recovery
	}{
		{NewSessionError(ErrNoSession, nil), RecoverResendKey},
		{fmt.Errorf("decrypt: %w", NewSessionError(ErrInvalidKeyID, errors.New("k"))), RecoverResendKey},
		{NewSessionError(ErrDuplicateMessage, nil), RecoverDuplicate},
		{NewSessionError(ErrIdentityMissing, nil), RecoverLogout},
		{NewSessionError(ErrUnknown, nil), RecoverReport},
		{errors.New("bad json"), RecoverReport},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
