package security

import (
	"testing"
	"time"
)

func TestSignatureCodec_SignVerify(t *testing.T) {
	codec := NewSignatureCodec(0)
	payload := []byte(`{"event":"order.created"}`)
	secret := "topsecret"

	sig := codec.Sign(secret, payload)
	if !codec.Verify(secret, payload, sig) {
		t.Fatal("Verify() = false for a freshly computed signature")
	}
	if !codec.Verify(secret, payload, "sha256="+sig) {
		t.Fatal("Verify() should accept an sha256= prefixed signature")
	}
}

func TestSignatureCodec_VerifyRejectsTamperedPayload(t *testing.T) {
	codec := NewSignatureCodec(0)
	secret := "topsecret"
	sig := codec.Sign(secret, []byte("original"))

	if codec.Verify(secret, []byte("tampered"), sig) {
		t.Fatal("Verify() = true for a tampered payload")
	}
}

func TestSignatureCodec_VerifyNeverPanics(t *testing.T) {
	codec := NewSignatureCodec(0)
	cases := []string{"", "not-hex!!", "sha256=", "zzzz"}
	for _, sig := range cases {
		if codec.Verify("secret", []byte("payload"), sig) {
			t.Errorf("Verify(%q) = true, want false", sig)
		}
	}
}

func TestSignatureCodec_TimestampedRoundTrip(t *testing.T) {
	codec := NewSignatureCodec(5 * time.Minute)
	now := time.Now()
	payload := []byte("hello")
	header := codec.SignTimestamped("secret", payload, now)

	if !codec.VerifyTimestamped("secret", payload, header, now) {
		t.Fatal("VerifyTimestamped() = false for a freshly signed header")
	}
}

func TestSignatureCodec_TimestampedRejectsExpired(t *testing.T) {
	codec := NewSignatureCodec(1 * time.Minute)
	signedAt := time.Now().Add(-10 * time.Minute)
	payload := []byte("hello")
	header := codec.SignTimestamped("secret", payload, signedAt)

	if codec.VerifyTimestamped("secret", payload, header, time.Now()) {
		t.Fatal("VerifyTimestamped() = true for a header older than MaxAge")
	}
}

func TestSignatureCodec_TimestampedRejectsMalformedHeader(t *testing.T) {
	codec := NewSignatureCodec(time.Minute)
	cases := []string{"", "t=notanumber,v1=abc", "v1=abc", "t=123"}
	for _, header := range cases {
		if codec.VerifyTimestamped("secret", []byte("x"), header, time.Now()) {
			t.Errorf("VerifyTimestamped(%q) = true, want false", header)
		}
	}
}

func TestSignatureCodec_VerifyNonceBound(t *testing.T) {
	codec := NewSignatureCodec(0)
	store := NewInMemoryNonceStore(time.Minute)
	secret := "secret"
	payload := []byte("payload")
	sig := codec.Sign(secret, payload)

	if !codec.VerifyNonceBound(secret, payload, sig, "nonce-1", store) {
		t.Fatal("first use of a nonce should verify")
	}
	if codec.VerifyNonceBound(secret, payload, sig, "nonce-1", store) {
		t.Fatal("replayed nonce should not verify")
	}
}

func TestSignatureCodec_VerifyNonceBoundRequiresNonceAndStore(t *testing.T) {
	codec := NewSignatureCodec(0)
	store := NewInMemoryNonceStore(time.Minute)
	sig := codec.Sign("secret", []byte("payload"))

	if codec.VerifyNonceBound("secret", []byte("payload"), sig, "", store) {
		t.Fatal("empty nonce should not verify")
	}
	if codec.VerifyNonceBound("secret", []byte("payload"), sig, "n", nil) {
		t.Fatal("nil store should not verify")
	}
}

func TestInMemoryNonceStore_Prunes(t *testing.T) {
	store := NewInMemoryNonceStore(10 * time.Millisecond)
	if store.SeenBefore("a") {
		t.Fatal("first sighting should not be a replay")
	}
	time.Sleep(20 * time.Millisecond)
	if store.SeenBefore("a") {
		t.Fatal("nonce should have aged out of the store")
	}
}
