package dht

import (
	"net"
	"testing"
)

func TestTokenManager_RoundTrip(t *testing.T) {
	tm := &TokenManager{}
	copy(tm.currentSecret[:], []byte("current-secret-bytes"))
	tm.previousSecret = tm.currentSecret

	ip := net.IPv4(203, 0, 113, 5)
	port := 51413

	token := tm.Generate(ip, port)
	if !tm.Validate(ip, port, token) {
		t.Fatalf("token minted by Generate must validate against the same (ip, port)")
	}
}

func TestTokenManager_RejectsWrongAddress(t *testing.T) {
	tm := &TokenManager{}
	copy(tm.currentSecret[:], []byte("current-secret-bytes"))
	tm.previousSecret = tm.currentSecret

	token := tm.Generate(net.IPv4(203, 0, 113, 5), 51413)
	if tm.Validate(net.IPv4(203, 0, 113, 6), 51413, token) {
		t.Fatalf("token minted for one ip must not validate for another")
	}
	if tm.Validate(net.IPv4(203, 0, 113, 5), 6881, token) {
		t.Fatalf("token minted for one port must not validate for another")
	}
}

func TestTokenManager_PreviousSecretStillValidates(t *testing.T) {
	tm := &TokenManager{}
	copy(tm.currentSecret[:], []byte("secret-at-t0-bytes"))
	tm.previousSecret = tm.currentSecret

	ip, port := net.IPv4(198, 51, 100, 7), 6969
	token := tm.Generate(ip, port)

	tm.rotate() // one rotation: token was minted under what is now previousSecret
	if !tm.Validate(ip, port, token) {
		t.Fatalf("a token minted before one rotation must still validate via the previous secret")
	}

	tm.rotate() // two rotations: the secret has aged out entirely
	if tm.Validate(ip, port, token) {
		t.Fatalf("a token minted before two rotations must no longer validate")
	}
}

func TestMintToken_Deterministic(t *testing.T) {
	var secret [20]byte
	copy(secret[:], []byte("deterministic-secret"))

	ip, port := net.IPv4(1, 2, 3, 4), 6881
	a := mintToken(ip, port, secret)
	b := mintToken(ip, port, secret)
	if a != b {
		t.Fatalf("mintToken must be deterministic for identical inputs")
	}
	if len(a) != IDLen {
		t.Fatalf("mintToken should produce a %d-byte SHA-1 digest, got %d", IDLen, len(a))
	}
}
